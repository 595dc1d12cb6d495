// Package gateway delivers patient messages through an external provider and
// returns the provider's delivery reference.
package gateway

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrRejected = errors.New("gateway rejected message")

type Message struct {
	Channel        string `json:"channel"` // sms, email, portal
	To             string `json:"to"`
	Subject        string `json:"subject,omitempty"`
	Body           string `json:"body"`
	IdempotencyKey string `json:"idempotency_key"`
}

type Receipt struct {
	Reference string `json:"reference"`
}

// LogGateway only logs the message. It is the default when no provider URL is
// configured, which keeps local runs self-contained.
type LogGateway struct {
	log zerolog.Logger
}

func NewLogGateway(log zerolog.Logger) *LogGateway {
	return &LogGateway{log: log}
}

func (g *LogGateway) Send(_ context.Context, msg Message) (Receipt, error) {
	ref := "log-" + uuid.NewString()
	g.log.Info().
		Str("channel", msg.Channel).
		Str("to", msg.To).
		Str("reference", ref).
		Str("idempotency_key", msg.IdempotencyKey).
		Msg("notification delivered to log gateway")
	return Receipt{Reference: ref}, nil
}
