package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	ev := NewEnvelope(DonationCompleted, DonationEvent{DonationID: 1})

	assert.Equal(t, DonationCompleted, ev.Type)
	assert.NotEmpty(t, ev.CorrelationID)
	assert.WithinDuration(t, time.Now().UTC(), ev.Timestamp, time.Second)

	other := NewEnvelope(DonationCompleted, nil)
	assert.NotEqual(t, ev.CorrelationID, other.CorrelationID)
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus()

	var wg sync.WaitGroup
	wg.Add(2)
	var mu sync.Mutex
	var got []Type

	handler := func(ctx context.Context, ev Envelope) {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
		wg.Done()
	}

	bus.Subscribe(DonationCompleted, handler)
	bus.Subscribe(DonationCompleted, handler)
	bus.Subscribe(DonationFailed, func(ctx context.Context, ev Envelope) {
		t.Error("handler for another type must not fire")
	})

	bus.Publish(context.Background(), NewEnvelope(DonationCompleted, nil))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handlers")
	}

	require.Len(t, got, 2)
	assert.Equal(t, DonationCompleted, got[0])
}

func TestPublishDetachesHandlerContext(t *testing.T) {
	bus := NewBus()
	errCh := make(chan error, 1)

	bus.Subscribe(DonationCompleted, func(ctx context.Context, ev Envelope) {
		// Give the publisher time to return and cancel, the way net/http
		// cancels a request context once the handler has responded.
		time.Sleep(50 * time.Millisecond)
		errCh <- ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	bus.Publish(ctx, NewEnvelope(DonationCompleted, nil))
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err, "handler context must survive the publisher's cancellation")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler")
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := NewBus()
	// Must not panic or block.
	bus.Publish(context.Background(), NewEnvelope(DonationCreated, nil))
}
