package transfer

import "testing"

func TestEventBusEmitsToSubscribers(t *testing.T) {
	bus := NewEventBus()
	got := make(chan any, 1)
	bus.Subscribe(eventHealthCheckFailed, func(payload any) { got <- payload })

	failed := []Target{{Port: 1}}
	bus.emit(eventHealthCheckFailed, failed)

	select {
	case payload := <-got:
		targets, ok := payload.([]Target)
		if !ok || len(targets) != 1 || targets[0].Port != 1 {
			t.Fatalf("unexpected payload: %+v", payload)
		}
	default:
		t.Fatalf("expected handler to run synchronously")
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	calls := 0
	unsubscribe := bus.Subscribe(eventLoadBalancerError, func(any) { calls++ })

	bus.emit(eventLoadBalancerError, nil)
	unsubscribe()
	bus.emit(eventLoadBalancerError, nil)

	if calls != 1 {
		t.Fatalf("expected exactly one call before unsubscribe, got %d", calls)
	}
}

func TestEventBusUnknownEventIsNoop(t *testing.T) {
	bus := NewEventBus()
	bus.emit("nothing:subscribed", nil) // must not panic
}
