package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	eventTypeFeedback = "feedback.recorded"
	payloadVersion    = "v1"
)

// Envelope is the message wrapper persisted to the feedback stream.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Attempt        int             `json:"attempt"`
	PayloadVersion string          `json:"payload_version"`
	Data           json.RawMessage `json:"data"`
}

// ValidateBasic ensures mandatory envelope fields are present.
func (e *Envelope) ValidateBasic() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.PayloadVersion == "" {
		return fmt.Errorf("payload_version is required")
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("data payload is required")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return nil
}

// UnmarshalEnvelope parses and validates one stream entry payload.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.ValidateBasic(); err != nil {
		return env, err
	}
	return env, nil
}

// Publisher appends feedback records to the Redis stream. Publishing is
// fire-and-forget from the caller's perspective; a failed publish is logged
// upstream but never fails the feedback request, because the record is
// already persisted.
type Publisher struct {
	client *redis.Client
	stream string
}

func NewPublisher(client *redis.Client, stream string) *Publisher {
	return &Publisher{client: client, stream: stream}
}

// Publish wraps the record in an envelope and XADDs it.
func (p *Publisher) Publish(ctx context.Context, rec Record) (string, error) {
	if p.stream == "" {
		return "", fmt.Errorf("feedback stream name is required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal feedback record: %w", err)
	}
	env := Envelope{
		EventID:        uuid.NewString(),
		EventType:      eventTypeFeedback,
		OccurredAt:     time.Now().UTC(),
		PayloadVersion: payloadVersion,
		Data:           data,
	}
	raw, err := json.Marshal(&env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{"envelope": raw},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// EnsureGroup creates the calibrator's consumer group if missing.
func EnsureGroup(ctx context.Context, client *redis.Client, stream, group string) error {
	if stream == "" || group == "" {
		return fmt.Errorf("stream and group must be provided")
	}
	if err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err(); err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("xgroup create: %w", err)
	}
	return nil
}
