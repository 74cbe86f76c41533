package collab

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphoreControl(t *testing.T) {
	sem := NewSemaphoreControl(1)
	ctx := context.Background()

	require.NoError(t, sem.Acquire(ctx))

	// A second acquire blocks until the slot frees; a cancelled context
	// fails fast instead.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, sem.Acquire(cancelled))

	require.NoError(t, sem.Release())
	assert.Error(t, sem.Release())
}

func TestSemaphoreControlTimeout(t *testing.T) {
	sem := NewSemaphoreControl(1)
	require.NoError(t, sem.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sem.Acquire(ctx), context.DeadlineExceeded)
}

func TestKafkaDispatcherEmitNeverBlocks(t *testing.T) {
	// No producer configured: workers drain and discard.
	d := NewKafkaDispatcher(nil, "", nil, KafkaDispatcherOptions{QueueSize: 4, Workers: 1}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			d.Emit(DocOpEvent{DocID: "doc", Version: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked")
	}
}
