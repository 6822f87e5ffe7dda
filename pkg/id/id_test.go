package id

import (
	"testing"
	"time"
)

func restoreClock() { NowMs = func() int64 { return time.Now().UnixMilli() } }

func TestSequenceMonotonic(t *testing.T) {
	g := NewGenerator()
	prev := g.Next()
	for i := 0; i < 100000; i++ {
		cur := g.Next()
		if cur <= prev {
			t.Fatalf("sequence not monotonic: %d then %d", prev, cur)
		}
		prev = cur
	}
}

func TestSequenceClockBackwards(t *testing.T) {
	g := NewGenerator()
	t.Cleanup(restoreClock)
	base := int64(1_700_000_000_000)
	NowMs = func() int64 { return base }

	a := g.Next()
	NowMs = func() int64 { return base - 50 }
	b := g.Next()
	if b <= a {
		t.Fatalf("backwards clock broke monotonicity: %d then %d", a, b)
	}
	if b.Ms() != base {
		t.Fatalf("expected ms clamp to %d, got %d", base, b.Ms())
	}
}

func TestSequenceLayout(t *testing.T) {
	g := NewGenerator()
	t.Cleanup(restoreClock)
	NowMs = func() int64 { return 12345 }
	s := g.Next()
	if s.Ms() != 12345 {
		t.Fatalf("ms component: want 12345 got %d", s.Ms())
	}
	s2 := g.Next()
	if s2.Counter() != s.Counter()+1 {
		t.Fatalf("counter did not increment: %d then %d", s.Counter(), s2.Counter())
	}
}
