package actor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRef(t *testing.T, a Actor, size int, opts ...Option) *Ref {
	t.Helper()
	ref := NewRef("test", a, size, opts...)
	require.NoError(t, ref.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = ref.Stop(ctx)
	})
	return ref
}

func TestStartStopLifecycle(t *testing.T) {
	a := NewTestActor()
	ref := NewRef("lifecycle", a, 4)
	assert.Equal(t, "lifecycle", ref.ID())

	require.NoError(t, ref.Start(context.Background()))
	assert.True(t, a.startCalled.Load())
	assert.Error(t, ref.Start(context.Background()), "double start")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ref.Stop(ctx))
	assert.True(t, a.stopCalled.Load())
	assert.NoError(t, ref.Stop(ctx), "stop is idempotent")

	assert.ErrorIs(t, ref.Tell(&TestMessage{ID: "late"}), ErrStopped)
	assert.ErrorIs(t, ref.Send(ctx, &TestMessage{ID: "late"}), ErrStopped)
	_, err := ref.Ask(ctx, CountQuery{})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSendBeforeStart(t *testing.T) {
	ref := NewRef("cold", NewTestActor(), 4)
	assert.ErrorIs(t, ref.Tell(&TestMessage{}), ErrStopped)
}

func TestMessagesProcessedInOrder(t *testing.T) {
	a := NewTestActor()
	ref := startRef(t, a, 128)

	for i := 0; i < 100; i++ {
		require.NoError(t, ref.Send(context.Background(), &TestMessage{ID: fmt.Sprint(i)}))
	}

	// Ask is queued behind the sends, so the count is final.
	count, err := ref.Ask(context.Background(), CountQuery{})
	require.NoError(t, err)
	assert.Equal(t, 100, count)

	received := a.Received()
	require.Len(t, received, 100)
	for i, msg := range received {
		assert.Equal(t, fmt.Sprint(i), msg.(*TestMessage).ID)
	}
}

func TestTellMailboxFull(t *testing.T) {
	a := NewTestActor()
	a.block = make(chan struct{})
	ref := startRef(t, a, 1)

	// First message is picked up by the loop and blocks; the second fills the mailbox.
	require.NoError(t, ref.Tell(&TestMessage{ID: "1"}))
	require.Eventually(t, func() bool { return len(ref.mailbox) == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, ref.Tell(&TestMessage{ID: "2"}))

	assert.ErrorIs(t, ref.Tell(&TestMessage{ID: "3"}), ErrMailboxFull)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ref.Send(ctx, &TestMessage{ID: "4"}), context.DeadlineExceeded)

	close(a.block)
}

func TestReceiveErrorsAreCounted(t *testing.T) {
	a := NewTestActor()
	ref := startRef(t, a, 8)

	require.NoError(t, ref.Tell(&ErrorMessage{}))
	require.NoError(t, ref.Tell(&TestMessage{ID: "after"}))

	_, err := ref.Ask(context.Background(), CountQuery{})
	require.NoError(t, err)

	stats := ref.Stats()
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, int64(3), stats.Processed)
	assert.True(t, stats.Running)
	assert.False(t, stats.LastActivity.IsZero())
	assert.Len(t, a.Received(), 1, "actor keeps running after an error")
}

func TestAskWithoutReplier(t *testing.T) {
	ref := startRef(t, plainActor{}, 1)
	_, err := ref.Ask(context.Background(), CountQuery{})
	assert.ErrorIs(t, err, ErrNoReplier)
}

func TestSequentialProcessingRunsInline(t *testing.T) {
	a := NewTestActor()
	ref := startRef(t, a, 1, WithSequentialProcessing())

	for i := 0; i < 5; i++ {
		require.NoError(t, ref.Tell(&TestMessage{ID: fmt.Sprint(i)}))
	}
	assert.Len(t, a.Received(), 5, "no waiting needed in sequential mode")

	count, err := ref.Ask(context.Background(), CountQuery{})
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}
