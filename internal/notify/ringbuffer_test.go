package notify

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesCatchupThenLive(t *testing.T) {
	h := NewHub(10)
	h.Notify("connected", "")

	ch, catchup, unsubscribe := h.Subscribe()
	defer unsubscribe()
	require.Len(t, catchup, 1)
	assert.Equal(t, "connected", catchup[0].Event)

	h.Notify("new_mail", "")
	select {
	case n := <-ch:
		assert.Equal(t, "new_mail", n.Event)
	case <-time.After(time.Second):
		t.Fatal("expected the live notification to arrive")
	}
}

func TestBacklogIsBoundedAndDropsOldest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 10; i++ {
		h.Notify("pulse", fmt.Sprintf("%d", i))
	}
	_, catchup, unsubscribe := h.Subscribe()
	defer unsubscribe()
	require.Len(t, catchup, 3)
	assert.Equal(t, "7", catchup[0].Data)
	assert.Equal(t, "9", catchup[2].Data)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub(10)
	ch, _, unsubscribe := h.Subscribe()
	unsubscribe()
	h.Notify("connected", "")

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("expected the channel to be closed, not silent")
	}
}

func TestSlowSubscriberDropsRatherThanBlocksNotify(t *testing.T) {
	h := NewHub(10)
	ch, _, unsubscribe := h.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 64; i++ {
			h.Notify("pulse", fmt.Sprintf("%d", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify must never block on a slow subscriber")
	}
	_ = ch
}
