package amqp

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/postgrab/internal/grabber"
	"github.com/JakeFAU/postgrab/internal/publisher"
)

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	sent   []published
	closed bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.sent = append(f.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestPublishRoutesByTopic(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	p := newPublisher(ch, "postgrab", nil)
	id, err := p.Publish(context.Background(), "postgrab.jobs", grabber.JobEvent{
		JobID:     "job-3",
		Status:    grabber.JobStatusFailed,
		ErrorCode: grabber.CodeNoMediaURL,
	})
	require.NoError(t, err)
	require.Len(t, ch.sent, 1)

	got := ch.sent[0]
	require.Equal(t, "postgrab", got.exchange)
	require.Equal(t, "postgrab.jobs", got.key)
	require.Equal(t, id, got.msg.MessageId)
	require.Equal(t, "application/json", got.msg.ContentType)
	require.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	require.Equal(t, "NO_MEDIA_URL", got.msg.Headers[publisher.HeaderErrorCode])
	require.Contains(t, string(got.msg.Body), `"job_id":"job-3"`)

	require.NoError(t, p.Close())
	require.True(t, ch.closed)
}

func TestDialRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := Dial(Config{}, nil)
	require.ErrorContains(t, err, "url is required")
}
