package emit

import "testing"

func TestRouterFansOutToBackendsAndSubscribers(t *testing.T) {
	buf := NewBufferedEmitter()
	r := NewRouter(buf)

	ch, unsubscribe := r.Subscribe("exec-1", 4)
	defer unsubscribe()

	r.Emit(Event{ExecutionID: "exec-1", Msg: "execution.started"})
	r.Emit(Event{ExecutionID: "exec-2", Msg: "execution.started"})

	if got := len(buf.GetHistory("exec-1")); got != 1 {
		t.Fatalf("backend got %d events for exec-1, want 1", got)
	}
	if got := len(buf.GetHistory("exec-2")); got != 1 {
		t.Fatalf("backend got %d events for exec-2, want 1", got)
	}

	select {
	case e := <-ch:
		if e.ExecutionID != "exec-1" {
			t.Fatalf("subscriber got event for %q, want exec-1", e.ExecutionID)
		}
	default:
		t.Fatal("expected subscriber to receive exec-1's event")
	}

	select {
	case e := <-ch:
		t.Fatalf("subscriber should not receive exec-2's event, got %+v", e)
	default:
	}
}

func TestRouterSubscribeDropsWhenFull(t *testing.T) {
	r := NewRouter()
	ch, unsubscribe := r.Subscribe("exec-1", 1)
	defer unsubscribe()

	r.Emit(Event{ExecutionID: "exec-1", Msg: "a"})
	r.Emit(Event{ExecutionID: "exec-1", Msg: "b"}) // dropped, buffer full

	first := <-ch
	if first.Msg != "a" {
		t.Fatalf("got %q, want a", first.Msg)
	}
	select {
	case e := <-ch:
		t.Fatalf("expected no further buffered event, got %+v", e)
	default:
	}
}

func TestRouterUnsubscribeStopsDelivery(t *testing.T) {
	r := NewRouter()
	ch, unsubscribe := r.Subscribe("exec-1", 4)
	unsubscribe()

	r.Emit(Event{ExecutionID: "exec-1", Msg: "after-unsubscribe"})

	select {
	case e, ok := <-ch:
		if ok {
			t.Fatalf("expected no delivery after unsubscribe, got %+v", e)
		}
	default:
	}
}
