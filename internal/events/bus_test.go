package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusDeliversToTypeSpecificSubscriber(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe("alert.critical")

	bus.Emit("alert.critical", "monitor", "ledger-1", map[string]interface{}{"kind": "CHAIN_BREAK"})

	select {
	case evt := <-ch:
		assert.Equal(t, "alert.critical", evt.Type)
		assert.Equal(t, "ledger-1", evt.Subject)
		assert.Equal(t, "1.0", evt.SpecVersion)
	case <-time.After(time.Second):
		t.Fatal("expected event was not delivered")
	}
}

func TestEventBusDoesNotDeliverMismatchedType(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe("alert.critical")

	bus.Emit("alert.warning", "monitor", "ledger-1", nil)

	select {
	case evt := <-ch:
		t.Fatalf("unexpected delivery of event type %q to an alert.critical subscriber", evt.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBusAllSubscriberReceivesEveryType(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe() // no filter

	bus.Emit("alert.warning", "monitor", "ledger-1", nil)
	bus.Emit("alert.critical", "monitor", "ledger-2", nil)

	for i := 0; i < 2; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("expected %d events, only received %d", 2, i)
		}
	}
}

func TestEventBusUnsubscribeClosesChannelAndStopsDelivery(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe("alert.critical")
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open, "channel must be closed after Unsubscribe")
}

func TestCloudEventSSEFormatIncludesTypeAndID(t *testing.T) {
	evt := NewCloudEvent("alert.critical", "monitor", "ledger-1", map[string]interface{}{"kind": "CHAIN_BREAK"})
	raw, err := evt.SSEFormat()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "event: alert.critical")
	assert.Contains(t, string(raw), evt.ID)
}
