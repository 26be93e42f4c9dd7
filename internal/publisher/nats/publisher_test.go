package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/postgrab/internal/grabber"
	"github.com/JakeFAU/postgrab/internal/publisher"
)

type fakeConn struct {
	msgs       []*nats.Msg
	publishErr error
	flushes    int
	drained    bool
}

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeConn) FlushWithContext(context.Context) error {
	f.flushes++
	return nil
}

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func TestPublishSetsHeaders(t *testing.T) {
	t.Parallel()

	fc := &fakeConn{}
	p := newPublisher(fc, nil)
	id, err := p.Publish(context.Background(), "postgrab.jobs", grabber.JobEvent{
		JobID:  "job-1",
		Status: grabber.JobStatusCompleted,
	})
	require.NoError(t, err)
	require.Len(t, fc.msgs, 1)
	require.Equal(t, 1, fc.flushes)

	msg := fc.msgs[0]
	require.Equal(t, "postgrab.jobs", msg.Subject)
	require.Equal(t, id, msg.Header.Get(nats.MsgIdHdr))
	require.Equal(t, "job-1", msg.Header.Get(publisher.HeaderJobID))
	require.Contains(t, string(msg.Data), `"status":"completed"`)

	require.NoError(t, p.Close())
	require.True(t, fc.drained)
}

func TestPublishReportsFailure(t *testing.T) {
	t.Parallel()

	fc := &fakeConn{publishErr: errors.New("nats: connection closed")}
	p := newPublisher(fc, nil)
	_, err := p.Publish(context.Background(), "postgrab.jobs", grabber.JobEvent{JobID: "job-1"})
	require.ErrorContains(t, err, "connection closed")
	require.Zero(t, fc.flushes)
}
