// Package publisher holds what every job event transport shares: the JSON
// body, routing attributes and trace context headers.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JakeFAU/postgrab/internal/grabber"
)

// Header keys set on every envelope.
const (
	HeaderContentType = "content-type"
	HeaderMessageID   = "message-id"
	HeaderJobID       = "job-id"
	HeaderStatus      = "job-status"
	HeaderErrorCode   = "error-code"
)

// Envelope is a transport-neutral message.
type Envelope struct {
	ID      string
	Body    []byte
	Headers map[string]string
}

// Encode marshals payload and fills routing headers. Job events also carry
// their id and status so consumers can filter without decoding the body.
func Encode(ctx context.Context, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{
		ID:   uuid.NewString(),
		Body: body,
		Headers: map[string]string{
			HeaderContentType: "application/json",
		},
	}
	env.Headers[HeaderMessageID] = env.ID
	if ev, ok := payload.(grabber.JobEvent); ok {
		env.Headers[HeaderJobID] = ev.JobID
		env.Headers[HeaderStatus] = string(ev.Status)
		if ev.ErrorCode != "" {
			env.Headers[HeaderErrorCode] = string(ev.ErrorCode)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(env.Headers))
	return env, nil
}
