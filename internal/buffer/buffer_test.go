package buffer

import (
	"errors"
	"testing"
	"time"

	"github.com/ernie/spring-autohost/internal/domain"
)

// fakeClock replaces the buffer's clock with one the test advances by hand.
func fakeClock(b *Buffer, start int64) *int64 {
	now := start
	b.nowFn = func() int64 { return now }
	b.lastDrop = start
	return &now
}

func collect(got *[]domain.BufferedUpdate) Callback {
	return func(ev domain.BufferedUpdate) error {
		*got = append(*got, ev)
		return nil
	}
}

func TestPushTimestampsStrictlyMonotonic(t *testing.T) {
	b := New(10 * time.Minute)
	now := fakeClock(b, 1_000_000)

	first := b.Push("b1", domain.Update{Type: domain.UpdateStart})
	if first.Time != 1_000_000 {
		t.Errorf("first time = %d, want 1000000", first.Time)
	}

	// Clock not advancing: timestamps still increase.
	second := b.Push("b1", domain.Update{Type: domain.UpdateEngineMessage})
	if second.Time != 1_000_001 {
		t.Errorf("second time = %d, want 1000001", second.Time)
	}

	// Clock moving backwards must not produce a regression either.
	*now = 900_000
	third := b.Push("b1", domain.Update{Type: domain.UpdateEngineQuit})
	if third.Time != 1_000_002 {
		t.Errorf("third time = %d, want 1000002", third.Time)
	}
}

func TestSubscribeReplaysOnlyNewerThanSince(t *testing.T) {
	b := New(10 * time.Minute)
	now := fakeClock(b, 1_000_000)

	b.Push("b1", domain.Update{Type: domain.UpdateStart}) // t=1_000_000
	*now = 2_000_000
	b.Push("b1", domain.Update{Type: domain.UpdateEngineQuit}) // t=2_000_000

	var got []domain.BufferedUpdate
	if err := b.Subscribe(1_500_000, collect(&got)); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if len(got) != 1 || got[0].Update.Type != domain.UpdateEngineQuit {
		t.Fatalf("replay = %+v, want just engine_quit", got)
	}
	if got[0].Time != 2_000_000 {
		t.Errorf("replayed time = %d, want 2000000", got[0].Time)
	}

	// Live pushes continue in order after the replay.
	*now = 3_000_000
	b.Push("b2", domain.Update{Type: domain.UpdateStart})
	if len(got) != 2 || got[1].BattleID != "b2" {
		t.Fatalf("live delivery missing: %+v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Time <= got[i-1].Time {
			t.Errorf("timestamps not increasing: %d then %d", got[i-1].Time, got[i].Time)
		}
	}
}

func TestSubscribeSecondCallbackRejected(t *testing.T) {
	b := New(10 * time.Minute)
	fakeClock(b, 1_000_000)

	var got []domain.BufferedUpdate
	if err := b.Subscribe(0, collect(&got)); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := b.Subscribe(0, collect(&got)); !errors.Is(err, ErrCallbackAlreadySet) {
		t.Errorf("second Subscribe: got %v, want ErrCallbackAlreadySet", err)
	}

	// After Unsubscribe a new subscription is accepted.
	b.Unsubscribe()
	if err := b.Subscribe(999_999, collect(&got)); err != nil {
		t.Errorf("Subscribe after Unsubscribe failed: %v", err)
	}
}

func TestSubscribeTooFarInThePast(t *testing.T) {
	b := New(10 * time.Minute)
	fakeClock(b, 3_600_000_000) // one hour in

	var got []domain.BufferedUpdate
	since := int64(3_600_000_000) - (10 * time.Minute).Microseconds() - 1
	if err := b.Subscribe(since, collect(&got)); !errors.Is(err, ErrTooFarInThePast) {
		t.Errorf("got %v, want ErrTooFarInThePast", err)
	}

	// Exactly at the boundary is accepted.
	since = int64(3_600_000_000) - (10 * time.Minute).Microseconds()
	if err := b.Subscribe(since, collect(&got)); err != nil {
		t.Errorf("boundary Subscribe failed: %v", err)
	}
}

func TestUnsubscribeStopsDeliveries(t *testing.T) {
	b := New(10 * time.Minute)
	fakeClock(b, 1_000_000)

	var got []domain.BufferedUpdate
	if err := b.Subscribe(0, collect(&got)); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	b.Push("b1", domain.Update{Type: domain.UpdateStart})
	b.Unsubscribe()
	b.Push("b1", domain.Update{Type: domain.UpdateEngineQuit})

	if len(got) != 1 {
		t.Errorf("deliveries after Unsubscribe: got %d events, want 1", len(got))
	}
}

func TestEviction(t *testing.T) {
	maxAge := 10 * time.Minute
	b := New(maxAge)
	now := fakeClock(b, 1_000_000)

	b.Push("b1", domain.Update{Type: domain.UpdateStart})
	b.Push("b1", domain.Update{Type: domain.UpdateEngineMessage})

	// Within the dropping interval nothing is scanned.
	*now += b.dropping.Microseconds() - 1
	b.Push("b1", domain.Update{Type: domain.UpdateEngineMessage})
	if b.Len() != 3 {
		t.Fatalf("Len = %d, want 3", b.Len())
	}

	// Jump far past maxAge: the next push evicts the stale prefix.
	*now += maxAge.Microseconds() + b.dropping.Microseconds()
	b.Push("b1", domain.Update{Type: domain.UpdateEngineQuit})
	if b.Len() != 1 {
		t.Errorf("Len = %d after eviction, want 1", b.Len())
	}
}

func TestFailingCallbackPanics(t *testing.T) {
	b := New(10 * time.Minute)
	fakeClock(b, 1_000_000)

	if err := b.Subscribe(0, func(domain.BufferedUpdate) error {
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("failing callback should panic")
		}
	}()
	b.Push("b1", domain.Update{Type: domain.UpdateStart})
}
