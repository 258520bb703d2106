package clock

import (
	"sync"
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	c := Real()
	before := time.Now()
	got := c.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("Now() = %v, want between %v and %v", got, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	c := Real()
	start := c.Now()
	time.Sleep(10 * time.Millisecond)
	elapsed := c.Since(start)

	if elapsed < 10*time.Millisecond {
		t.Errorf("Since() = %v, want >= 10ms", elapsed)
	}
}

func TestRealClock_After(t *testing.T) {
	c := Real()
	start := time.Now()
	<-c.After(50 * time.Millisecond)
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Errorf("After() took %v, want >= 50ms", elapsed)
	}
}

func TestFake_Now(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	if got := c.Now(); !got.Equal(start) {
		t.Errorf("Now() = %v, want %v", got, start)
	}
}

func TestFake_Advance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	c.Advance(5 * time.Minute)

	want := start.Add(5 * time.Minute)
	if got := c.Now(); !got.Equal(want) {
		t.Errorf("Now() = %v, want %v", got, want)
	}
}

func TestFake_AdvanceTo_Backwards(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewFake(start)

	earlier := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	c.AdvanceTo(earlier)

	if got := c.Now(); !got.Equal(start) {
		t.Errorf("Now() = %v, want clock to stay at %v", got, start)
	}
}

func TestFake_After(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	ch := c.After(10 * time.Second)

	select {
	case <-ch:
		t.Fatal("After() fired before the clock advanced")
	default:
	}

	c.Advance(10 * time.Second)

	select {
	case got := <-ch:
		want := start.Add(10 * time.Second)
		if !got.Equal(want) {
			t.Errorf("After() delivered %v, want %v", got, want)
		}
	default:
		t.Fatal("After() did not fire after Advance")
	}
}

func TestFake_After_ZeroFiresImmediately(t *testing.T) {
	c := NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}

func TestFake_Sleep(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Sleep(time.Minute)
	}()

	c.BlockUntilWaiters(1)
	c.Advance(time.Minute)
	wg.Wait()

	if got := c.Now(); !got.Equal(start.Add(time.Minute)) {
		t.Errorf("Now() = %v after Sleep, want %v", got, start.Add(time.Minute))
	}
}

func TestFake_Ticker(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	var ticks int
	for i := 0; i < 3; i++ {
		c.Advance(time.Second)
		select {
		case <-ticker.C():
			ticks++
		default:
			t.Fatalf("tick %d not delivered", i+1)
		}
	}

	if ticks != 3 {
		t.Errorf("got %d ticks, want 3", ticks)
	}
}

func TestFake_Ticker_StopEndsTicks(t *testing.T) {
	c := NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	ticker := c.NewTicker(time.Second)
	ticker.Stop()
	c.Advance(5 * time.Second)

	select {
	case <-ticker.C():
		t.Fatal("stopped ticker delivered a tick")
	default:
	}
}

func TestFake_Timer_Stop(t *testing.T) {
	c := NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	timer := c.NewTimer(time.Second)
	if !timer.Stop() {
		t.Fatal("Stop() = false for a pending timer, want true")
	}
	if timer.Stop() {
		t.Fatal("second Stop() = true, want false")
	}

	c.Advance(2 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestFake_Timer_Fires(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	timer := c.NewTimer(30 * time.Second)
	c.Advance(30 * time.Second)

	select {
	case got := <-timer.C():
		want := start.Add(30 * time.Second)
		if !got.Equal(want) {
			t.Errorf("timer delivered %v, want %v", got, want)
		}
	default:
		t.Fatal("timer did not fire")
	}
}

func TestFake_WaitersFireInDeadlineOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	first := c.After(time.Second)
	second := c.After(2 * time.Second)

	c.Advance(90 * time.Second)

	got1 := <-first
	got2 := <-second
	if !got1.Equal(start.Add(time.Second)) {
		t.Errorf("first waiter got %v, want %v", got1, start.Add(time.Second))
	}
	if !got2.Equal(start.Add(2 * time.Second)) {
		t.Errorf("second waiter got %v, want %v", got2, start.Add(2*time.Second))
	}
}
