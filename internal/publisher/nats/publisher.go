// Package nats publishes job events to NATS subjects.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/JakeFAU/postgrab/internal/grabber"
	"github.com/JakeFAU/postgrab/internal/publisher"
)

// Config holds the server URL.
type Config struct {
	URL string `mapstructure:"url"`
}

type conn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// Publisher sends each event as one message on the topic subject.
type Publisher struct {
	nc     conn
	logger *zap.Logger
}

var _ grabber.Publisher = (*Publisher)(nil)

// Connect dials the server and keeps reconnecting in the background.
func Connect(cfg Config, logger *zap.Logger) (*Publisher, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("postgrab"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newPublisher(nc, logger), nil
}

func newPublisher(nc conn, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, logger: logger.Named("nats")}
}

// Publish sends payload on the subject named by topic and waits for the
// server to acknowledge the flush. JetStream streams on that subject dedupe
// by the Nats-Msg-Id header.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	env, err := publisher.Encode(ctx, payload)
	if err != nil {
		return "", err
	}
	msg := nats.NewMsg(topic)
	msg.Data = env.Body
	for k, v := range env.Headers {
		msg.Header.Set(k, v)
	}
	msg.Header.Set(nats.MsgIdHdr, env.ID)
	if err := p.nc.PublishMsg(msg); err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return "", fmt.Errorf("flush nats: %w", err)
	}
	p.logger.Debug("published event", zap.String("subject", topic), zap.String("message_id", env.ID))
	return env.ID, nil
}

// Close drains the connection.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
