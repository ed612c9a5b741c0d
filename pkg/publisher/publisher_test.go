package publisher_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/go-graphops/pkg/publisher"
	"github.com/soundprediction/go-graphops/pkg/types"
)

var testScope = types.Scope{TenantID: "acme", ProjectID: "support"}

func update(status types.TaskStatus, progress int) types.StatusUpdate {
	return types.StatusUpdate{
		TaskID:   "task-1",
		Scope:    testScope,
		Status:   status,
		Progress: progress,
	}
}

func receive(t *testing.T, sub *publisher.Subscription) types.StatusUpdate {
	t.Helper()
	select {
	case u, ok := <-sub.Updates():
		require.True(t, ok, "subscription closed unexpectedly")
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return types.StatusUpdate{}
	}
}

func TestFanOutToScopeSubscribers(t *testing.T) {
	p := publisher.New()
	sub1 := p.Subscribe(testScope)
	defer sub1.Close()
	sub2 := p.Subscribe(testScope)
	defer sub2.Close()

	p.Publish(update(types.StatusRunning, 10))

	assert.Equal(t, 10, receive(t, sub1).Progress)
	assert.Equal(t, 10, receive(t, sub2).Progress)
}

func TestScopeIsolation(t *testing.T) {
	p := publisher.New()
	other := p.Subscribe(types.Scope{TenantID: "acme", ProjectID: "sales"})
	defer other.Close()

	p.Publish(update(types.StatusRunning, 10))

	select {
	case u := <-other.Updates():
		t.Fatalf("unexpected update for foreign scope: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNonTerminalDroppedWhenBufferFull(t *testing.T) {
	p := publisher.New()
	sub := p.Subscribe(testScope)
	defer sub.Close()

	// overflow the buffer without reading
	for i := 0; i < 50; i++ {
		p.Publish(update(types.StatusRunning, i))
	}

	drained := 0
	for {
		select {
		case <-sub.Updates():
			drained++
			continue
		default:
		}
		break
	}
	assert.Less(t, drained, 50)
	assert.Greater(t, drained, 0)
}

func TestTerminalDeliveryRetries(t *testing.T) {
	p := publisher.New()
	sub := p.Subscribe(testScope)
	defer sub.Close()

	// fill the buffer so the terminal update cannot land immediately
	for i := 0; i < 20; i++ {
		p.Publish(update(types.StatusRunning, i))
	}
	p.Publish(update(types.StatusCompleted, 100))

	// drain; the terminal update must eventually arrive
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-sub.Updates():
			if u.Status == types.StatusCompleted {
				return
			}
		case <-deadline:
			t.Fatal("terminal update never delivered")
		}
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	p := publisher.New()
	sub := p.Subscribe(testScope)
	sub.Close()

	_, ok := <-sub.Updates()
	assert.False(t, ok)

	// publishing after close must not panic
	p.Publish(update(types.StatusRunning, 10))
	p.Publish(update(types.StatusCompleted, 100))

	// closing twice is safe
	sub.Close()
}
