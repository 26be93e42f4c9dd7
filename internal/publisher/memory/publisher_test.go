package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/postgrab/internal/grabber"
)

func TestPublisherRecordsEvents(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()
	id, err := pub.Publish(ctx, "jobs", grabber.JobEvent{JobID: "job-1", Status: grabber.JobStatusCompleted})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)
	_, err = pub.Publish(ctx, "other", grabber.JobEvent{JobID: "job-2"})
	require.NoError(t, err)
	_, err = pub.Publish(ctx, "jobs", map[string]string{"not": "an event"})
	require.NoError(t, err)

	events := pub.Events("jobs")
	require.Len(t, events, 1)
	require.Equal(t, "job-1", events[0].JobID)
	require.Len(t, pub.Messages(), 3)
}

func TestMessagesReturnsCopy(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "jobs", "payload")
	require.NoError(t, err)

	msgs := pub.Messages()
	msgs[0].Topic = "modified"
	require.Equal(t, "jobs", pub.Messages()[0].Topic)
	require.NoError(t, pub.Close())
}
