package progress

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestStep_Percent(t *testing.T) {
	tests := []struct {
		step    Step
		percent int
	}{
		{StepSyncing, 5},
		{StepVerifying, 15},
		{StepFetching, 30},
		{StepCreatingWorktree, 55},
		{StepCopyingConfig, 75},
		{StepFinalizing, 90},
		{StepReady, 100},
		{StepFailed, 0},
	}
	for _, tt := range tests {
		if got := tt.step.Percent(); got != tt.percent {
			t.Errorf("%s.Percent() = %d, want %d", tt.step, got, tt.percent)
		}
	}
}

func TestStep_PercentMonotonic(t *testing.T) {
	prev := -1
	for _, s := range Steps {
		if s.Percent() <= prev {
			t.Errorf("%s percent %d does not increase past %d", s, s.Percent(), prev)
		}
		prev = s.Percent()
	}
}

func TestStep_Terminal(t *testing.T) {
	for _, s := range Steps {
		want := s == StepReady
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, s.Terminal(), want)
		}
	}
	if !StepFailed.Terminal() {
		t.Error("failed should be terminal")
	}
}

func TestBus_PublishOrder(t *testing.T) {
	bus := NewBus()
	var order []string
	bus.Subscribe(func(e Event) { order = append(order, "a:"+string(e.Step)) })
	bus.Subscribe(func(e Event) { order = append(order, "b:"+string(e.Step)) })

	bus.Update("n1", StepSyncing, "")
	bus.Update("n1", StepVerifying, "")

	want := []string{"a:syncing", "b:syncing", "a:verifying", "b:verifying"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("delivery order = %v, want %v", order, want)
	}
}

func TestBus_ReplayOnSubscribe(t *testing.T) {
	bus := NewBus()
	bus.Update("node-b", StepFetching, "")
	bus.Update("node-a", StepSyncing, "")
	bus.Update("node-a", StepVerifying, "")

	var got []Event
	bus.Subscribe(func(e Event) { got = append(got, e) })

	if len(got) != 2 {
		t.Fatalf("replayed %d events, want 2", len(got))
	}
	if got[0].NodeID != "node-a" || got[0].Step != StepVerifying {
		t.Errorf("first replay = %+v, want node-a verifying", got[0])
	}
	if got[1].NodeID != "node-b" || got[1].Step != StepFetching {
		t.Errorf("second replay = %+v, want node-b fetching", got[1])
	}

	bus.Update("node-a", StepFetching, "")
	if len(got) != 3 || got[2].Step != StepFetching {
		t.Errorf("live event not delivered after replay: %+v", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	count := 0
	unsub := bus.Subscribe(func(Event) { count++ })

	bus.Update("n", StepSyncing, "")
	unsub()
	unsub() // idempotent
	bus.Update("n", StepVerifying, "")

	if count != 1 {
		t.Errorf("received %d events, want 1", count)
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d, want 0", bus.SubscriberCount())
	}
}

func TestBus_LatestAndForget(t *testing.T) {
	bus := NewBus()
	if _, ok := bus.Latest("n"); ok {
		t.Error("Latest should report missing node")
	}

	bus.Publish(Failed("n", "boom"))
	e, ok := bus.Latest("n")
	if !ok || e.Step != StepFailed || e.ErrorDetail != "boom" || e.Percent != 0 {
		t.Errorf("Latest = %+v, %v", e, ok)
	}
	if e.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}

	bus.Forget("n")
	if _, ok := bus.Latest("n"); ok {
		t.Error("Forget should drop the snapshot")
	}

	replayed := 0
	bus.Subscribe(func(Event) { replayed++ })
	if replayed != 0 {
		t.Errorf("forgotten node was replayed")
	}
}

func TestBus_PanickingSubscriber(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(func(Event) { panic("bad subscriber") })
	got := 0
	bus.Subscribe(func(Event) { got++ })

	bus.Update("n", StepSyncing, "")
	if got != 1 {
		t.Error("a panicking subscriber should not block others")
	}
}

func TestBus_SubscribeChan(t *testing.T) {
	bus := NewBus()
	bus.Update("n", StepSyncing, "")

	ch, unsub := bus.SubscribeChan(8)
	bus.Update("n", StepVerifying, "")

	first := <-ch
	second := <-ch
	if first.Step != StepSyncing || second.Step != StepVerifying {
		t.Errorf("got %s then %s", first.Step, second.Step)
	}

	unsub()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	// Publishing after close must not panic.
	bus.Update("n", StepFetching, "")
}

func TestBus_SubscribeChanDropsWhenFull(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.SubscribeChan(1)
	defer unsub()

	bus.Update("n", StepSyncing, "")
	bus.Update("n", StepVerifying, "") // dropped

	if e := <-ch; e.Step != StepSyncing {
		t.Errorf("got %s, want syncing", e.Step)
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected event %+v", e)
	default:
	}
}

func TestBus_ConcurrentPublishersSeeConsistentOrder(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	var a, b []string
	bus.Subscribe(func(e Event) { mu.Lock(); a = append(a, e.NodeID+string(e.Step)); mu.Unlock() })
	bus.Subscribe(func(e Event) { mu.Lock(); b = append(b, e.NodeID+string(e.Step)); mu.Unlock() })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for _, s := range Steps {
				bus.Update(fmt.Sprintf("node-%d", n), s, "")
			}
		}(i)
	}
	wg.Wait()

	if fmt.Sprint(a) != fmt.Sprint(b) {
		t.Error("subscribers observed different orders")
	}
	if len(a) != 8*len(Steps) {
		t.Errorf("got %d events, want %d", len(a), 8*len(Steps))
	}
}

func TestNewEvent(t *testing.T) {
	before := time.Now()
	e := NewEvent("n", StepFinalizing, "almost")
	if e.Percent != 90 || e.Message != "almost" || e.Timestamp.Before(before) {
		t.Errorf("unexpected event %+v", e)
	}
}
