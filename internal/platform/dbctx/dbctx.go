// Package dbctx bundles a request-scoped context.Context with an optional
// in-flight GORM transaction, so repository methods can be called either
// standalone or as part of a caller's transaction without two method sets.
package dbctx

import (
	"context"

	"gorm.io/gorm"
)

type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// Resolve returns dbc.Tx if set, otherwise falls back to db.
func (dbc Context) Resolve(db *gorm.DB) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return db
}

func Background(db *gorm.DB) Context {
	return Context{Ctx: context.Background(), Tx: db}
}
