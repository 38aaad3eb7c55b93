// Package events publishes authentication audit events to a Redis stream
// consumed by the worker.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"clinicdesk/internal/ids"
)

const DefaultStream = "auth:events"

// streamMaxLen caps the stream; the worker archives events long before this.
const streamMaxLen = 100_000

type Type string

const (
	TypeLogin          Type = "login"
	TypeLogout         Type = "logout"
	TypeLogoutAll      Type = "logout_all"
	TypePasswordReset  Type = "password_reset"
	TypeMasterKeyLogin Type = "master_key_login"
	TypeSessionRevoked Type = "session_revoked"
	TypeTenantGranted  Type = "tenant_granted"
	TypeTenantRevoked  Type = "tenant_revoked"
	// TypeRollup asks the worker to summarise one day of archived events.
	TypeRollup Type = "rollup"
)

var ErrMalformedEvent = errors.New("events: malformed event")

type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	UserID     string            `json:"userId,omitempty"`
	SessionID  string            `json:"sessionId,omitempty"`
	Tenant     string            `json:"tenant,omitempty"`
	IPAddress  string            `json:"ip,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Encode flattens an event into stream field values.
func Encode(event Event) (map[string]any, error) {
	detail := "{}"
	if len(event.Detail) > 0 {
		raw, err := json.Marshal(event.Detail)
		if err != nil {
			return nil, fmt.Errorf("encode detail: %w", err)
		}
		detail = string(raw)
	}
	return map[string]any{
		"id":         event.ID,
		"type":       string(event.Type),
		"userId":     event.UserID,
		"sessionId":  event.SessionID,
		"tenant":     event.Tenant,
		"ip":         event.IPAddress,
		"detail":     detail,
		"occurredAt": event.OccurredAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

// Decode is the inverse of Encode for values read back from the stream.
func Decode(values map[string]any) (Event, error) {
	field := func(name string) string {
		s, _ := values[name].(string)
		return s
	}

	event := Event{
		ID:        field("id"),
		Type:      Type(field("type")),
		UserID:    field("userId"),
		SessionID: field("sessionId"),
		Tenant:    field("tenant"),
		IPAddress: field("ip"),
	}
	if event.ID == "" || event.Type == "" {
		return Event{}, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}

	occurredAt, err := time.Parse(time.RFC3339Nano, field("occurredAt"))
	if err != nil {
		return Event{}, fmt.Errorf("%w: occurredAt: %v", ErrMalformedEvent, err)
	}
	event.OccurredAt = occurredAt

	if raw := field("detail"); raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &event.Detail); err != nil {
			return Event{}, fmt.Errorf("%w: detail: %v", ErrMalformedEvent, err)
		}
	}
	return event, nil
}

type RedisPublisher struct {
	client *redis.Client
	stream string
	now    func() time.Time
}

func NewRedisPublisher(client *redis.Client, stream string) *RedisPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisPublisher{client: client, stream: stream, now: time.Now}
}

// Publish fills in ID and OccurredAt when they are empty and appends the
// event to the stream.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = ids.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now()
	}

	values, err := Encode(event)
	if err != nil {
		return err
	}
	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}
