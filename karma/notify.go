package karma

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/warp/karma-ledger/ledger"
)

// Notification is published after every successful write.
type Notification struct {
	EventID     ledger.EventID  `json:"eventId"`
	FamilyID    ledger.FamilyID `json:"familyId"`
	UserID      ledger.UserID   `json:"userId"`
	Amount      int64           `json:"amount"`
	Source      ledger.Source   `json:"source"`
	Description string          `json:"description"`
	TaskID      string          `json:"taskId,omitempty"`
	ClaimID     string          `json:"claimId,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

func notificationFor(ev ledger.KarmaEvent) Notification {
	return Notification{
		EventID:     ev.ID,
		FamilyID:    ev.FamilyID,
		UserID:      ev.UserID,
		Amount:      ev.Amount,
		Source:      ev.Source,
		Description: ev.Description,
		TaskID:      ev.Metadata[ledger.MetaTaskID],
		ClaimID:     ev.Metadata[ledger.MetaClaimID],
		CreatedAt:   ev.CreatedAt,
	}
}

// Notifier delivers notifications. Delivery is best effort: the service
// logs and drops any error.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }

// LogNotifier writes each notification as a log line.
type LogNotifier struct {
	Log logrus.FieldLogger
}

func (n LogNotifier) Notify(_ context.Context, note Notification) error {
	n.Log.WithFields(logrus.Fields{
		"event_id":  note.EventID,
		"family_id": note.FamilyID,
		"user_id":   note.UserID,
		"amount":    note.Amount,
		"source":    note.Source,
		"task_id":   note.TaskID,
	}).Info("karma changed")
	return nil
}

// RedisNotifier publishes notifications as JSON on a pub/sub channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Notify(ctx context.Context, note Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", n.channel, err)
	}
	return nil
}

func (n *RedisNotifier) Close() error { return n.client.Close() }
