// Package notifier is the async delivery-notification pub/sub contract: it
// publishes exactly {jobID, requestID} on a channel keyed by
// response-destination type, and lets the subscriber fetch the full result
// by jobID.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shapesinc/orchestration-core/internal/platform/logger"
)

type DeliveryMessage struct {
	JobID     uuid.UUID `json:"job_id"`
	RequestID string    `json:"request_id"`
}

type DeliveryNotifier interface {
	// Publish announces a completed job (success or soft failure — the
	// transport layer treats them identically) on the channel for the
	// given response-destination type.
	Publish(ctx context.Context, destinationType string, msg DeliveryMessage) error
	// Subscribe starts forwarding messages for destinationType to onMsg
	// until ctx is canceled.
	Subscribe(ctx context.Context, destinationType string, onMsg func(DeliveryMessage)) error
}

type notifier struct {
	log *logger.Logger
	rdb *redis.Client
}

func New(log *logger.Logger, rdb *redis.Client) DeliveryNotifier {
	return &notifier{log: log.With("component", "DeliveryNotifier"), rdb: rdb}
}

func channelName(destinationType string) string {
	return "delivery:" + destinationType
}

func (n *notifier) Publish(ctx context.Context, destinationType string, msg DeliveryMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, channelName(destinationType), b).Err()
}

func (n *notifier) Subscribe(ctx context.Context, destinationType string, onMsg func(DeliveryMessage)) error {
	sub := n.rdb.Subscribe(ctx, channelName(destinationType))
	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg DeliveryMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					n.log.Warn("delivery message decode failed", "error", err, "channel", m.Channel)
					continue
				}
				onMsg(msg)
			}
		}
	}()
	return nil
}

// ResponseDestination identifies where a completed result should be
// delivered; Type selects the pub/sub channel, ChannelID is transport-level
// addressing the subscriber owns.
type ResponseDestination struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

func (d ResponseDestination) String() string {
	return fmt.Sprintf("%s:%s", d.Type, d.ChannelID)
}
