package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_NewTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Error("ticker did not fire")
	}

	ticker.Reset(5 * time.Millisecond)
	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Error("ticker did not fire after reset")
	}
}

func TestMockClock_Advance(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(start)
	ticker := clock.NewTicker(time.Second)

	clock.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	clock.Advance(500 * time.Millisecond)
	select {
	case got := <-ticker.C():
		if !got.Equal(start.Add(time.Second)) {
			t.Errorf("tick time = %v", got)
		}
	default:
		t.Fatal("ticker did not fire")
	}

	if got := clock.Now(); !got.Equal(start.Add(time.Second)) {
		t.Errorf("Now() = %v, want %v", got, start.Add(time.Second))
	}
}

func TestMockTicker_ResetAndStop(t *testing.T) {
	clock := NewMockClock(time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))
	ticker := clock.NewTicker(time.Second)
	mt := clock.Tickers()[0]

	ticker.Reset(250 * time.Millisecond)
	if mt.Interval() != 250*time.Millisecond {
		t.Fatalf("Interval() = %v", mt.Interval())
	}
	clock.Advance(250 * time.Millisecond)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire at reset interval")
	}

	ticker.Stop()
	if !mt.Stopped() {
		t.Fatal("Stopped() = false after Stop")
	}
	clock.Advance(time.Hour)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestMockTicker_Trigger(t *testing.T) {
	clock := NewMockClock(time.Time{})
	ticker := clock.NewTicker(time.Minute).(*MockTicker)
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	ticker.Trigger(now)
	ticker.Trigger(now.Add(time.Second)) // dropped, buffer full

	if got := <-ticker.C(); !got.Equal(now) {
		t.Errorf("got %v, want %v", got, now)
	}
	select {
	case <-ticker.C():
		t.Error("second trigger should have been dropped")
	default:
	}
}
