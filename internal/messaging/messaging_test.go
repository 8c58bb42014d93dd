package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	batches []EventsByPosition
	err     error
}

func (p *recordingPublisher) HandleEvents(_ context.Context, events EventsByPosition) error {
	p.batches = append(p.batches, events)
	return p.err
}

func TestDispatcherDeliversInPositionOrder(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	require.NoError(t, dispatcher.HandleEvents(ctx, EventsByPosition{
		5: {"a/1": {"f": 1}},
		4: {"b/1": {"g": 2}},
	}))

	first := receive(t, stream)
	second := receive(t, stream)
	assert.Equal(t, int64(4), first.Position)
	assert.Equal(t, int64(5), second.Position)
}

func TestDispatcherFiltersByCollection(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "motion")
	defer cleanup()

	require.NoError(t, dispatcher.HandleEvents(ctx, EventsByPosition{
		1: {"user/1": {"name": "x"}},
		2: {"user/1": {"name": "y"}, "motion/3": {"title": "t"}},
	}))

	message := receive(t, stream)
	assert.Equal(t, int64(2), message.Position)
	assert.Equal(t, map[datastore.Fqid]map[string]any{"motion/3": {"title": "t"}}, message.Fields)
}

func TestDispatcherClosesStreamOnCancel(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	stream, _ := dispatcher.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-stream:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream was not closed")
	}
	assert.Eventually(t, func() bool { return dispatcher.SubscriberCount() == 0 }, time.Second, 10*time.Millisecond)

	require.NoError(t, dispatcher.HandleEvents(context.Background(), EventsByPosition{1: {"a/1": {"f": 1}}}))
}

func TestFanoutContinuesAfterFailure(t *testing.T) {
	failing := &recordingPublisher{err: errors.New("broker down")}
	healthy := &recordingPublisher{}
	fanout := NewFanout(FanoutConfig{Publishers: []NamedPublisher{
		{Name: "failing", Publisher: failing},
		{Name: "healthy", Publisher: healthy},
	}})

	err := fanout.HandleEvents(context.Background(), EventsByPosition{1: {"a/1": {"f": 1}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing")
	assert.Len(t, healthy.batches, 1)

	require.NoError(t, fanout.HandleEvents(context.Background(), EventsByPosition{}))
	assert.Len(t, healthy.batches, 1)
}

func TestModifiedFqfields(t *testing.T) {
	flattened := ModifiedFqfields(map[datastore.Fqid]map[string]any{"a/1": {"f": 1, "g": nil}})
	assert.Equal(t, map[datastore.Fqfield]any{"a/1/f": 1, "a/1/g": nil}, flattened)
}

func receive(t *testing.T, stream <-chan Message) Message {
	t.Helper()
	select {
	case message := <-stream:
		return message
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}
