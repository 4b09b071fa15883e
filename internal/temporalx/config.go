// Package temporalx wires the Temporal-backed alternate execution path: a
// durable, one-workflow-per-job path that dispatches through the exact same
// jobs/runtime.Registry the SQL-polling worker uses. Nothing in this repo
// requires Temporal to be configured — TEMPORAL_ADDRESS unset means the
// SQL worker is the only dispatcher, same as before this package existed.
package temporalx

import (
	"os"
	"strings"
)

type Config struct {
	Address   string
	Namespace string
	TaskQueue string

	ClientCertPath string
	ClientKeyPath  string
	ClientCAPath   string
}

func LoadConfig() Config {
	return Config{
		Address:   strings.TrimSpace(os.Getenv("TEMPORAL_ADDRESS")),
		Namespace: orDefault(os.Getenv("TEMPORAL_NAMESPACE"), "orchestration-core"),
		TaskQueue: orDefault(os.Getenv("TEMPORAL_TASK_QUEUE"), "orchestration-core"),

		ClientCertPath: strings.TrimSpace(os.Getenv("TEMPORAL_CLIENT_CERT_PATH")),
		ClientKeyPath:  strings.TrimSpace(os.Getenv("TEMPORAL_CLIENT_KEY_PATH")),
		ClientCAPath:   strings.TrimSpace(os.Getenv("TEMPORAL_CLIENT_CA_PATH")),
	}
}

func orDefault(v, def string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	return v
}
