package schedule

import (
	"testing"
	"time"
)

// TestWindowWrapPastMidnight exercises spec §8: "for windows with
// end<start, the active set is [start, 24:00) ∪ [0, end)", checked at the
// literal clock times from the boundary-behavior example "23:30-00:30".
func TestWindowWrapPastMidnight(t *testing.T) {
	w, err := ParseWindow("23:30-00:30")
	if err != nil {
		t.Fatalf("ParseWindow: %v", err)
	}

	cases := []struct {
		hh, mm int
		want   bool
	}{
		{23, 45, true},
		{0, 15, true},
		{0, 45, false},
		{12, 0, false},
	}
	for _, c := range cases {
		got := w.Active(c.hh*60 + c.mm)
		if got != c.want {
			t.Fatalf("Active(%02d:%02d) = %v, want %v", c.hh, c.mm, got, c.want)
		}
	}
}

func TestWindowNonWrapping(t *testing.T) {
	w, err := ParseWindow("09:00-17:00")
	if err != nil {
		t.Fatalf("ParseWindow: %v", err)
	}
	if !w.Active(9*60) || !w.Active(16*60 + 59) {
		t.Fatalf("expected window to be active within [09:00,17:00)")
	}
	if w.Active(17 * 60) {
		t.Fatalf("expected window end to be exclusive")
	}
	if w.Active(8*60 + 59) {
		t.Fatalf("expected window to be inactive before start")
	}
}

func TestParseWindowRejectsMalformed(t *testing.T) {
	if _, err := ParseWindow("not-a-window"); err == nil {
		t.Fatalf("expected malformed window string to error")
	}
	if _, err := ParseWindow("25:00-01:00"); err == nil {
		t.Fatalf("expected out-of-range hour to error")
	}
}

func TestApplyScheduleStateInvokesListenerWithAnyWindowActive(t *testing.T) {
	w, _ := ParseWindow("00:00-23:59")
	fixedNow := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	var gotShouldEnable bool
	var called int
	listener := func(shouldBeEnabled bool) bool {
		called++
		gotShouldEnable = shouldBeEnabled
		return shouldBeEnabled
	}

	s := New([]Window{w}, listener, func() time.Time { return fixedNow }, time.Second)
	shouldBeEnabled, realized := s.ApplyScheduleState()
	if !shouldBeEnabled || !realized {
		t.Fatalf("expected shouldBeEnabled=true, realized=true, got %v/%v", shouldBeEnabled, realized)
	}
	if called != 1 || !gotShouldEnable {
		t.Fatalf("expected listener invoked once with true, got called=%d value=%v", called, gotShouldEnable)
	}
}

func TestApplyScheduleStateNoWindowsDisables(t *testing.T) {
	fixedNow := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	listener := func(shouldBeEnabled bool) bool { return shouldBeEnabled }
	s := New(nil, listener, func() time.Time { return fixedNow }, time.Second)
	shouldBeEnabled, _ := s.ApplyScheduleState()
	if shouldBeEnabled {
		t.Fatalf("expected no configured windows to yield shouldBeEnabled=false")
	}
}
