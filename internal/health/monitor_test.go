package health

import (
	"testing"
	"time"
)

func TestWindowTriggersAtThreshold(t *testing.T) {
	w := NewWindow(Stall, time.Minute, 3)
	base := time.Unix(0, 0)

	if w.Record(base) {
		t.Fatal("triggered on 1st event, want false")
	}
	if w.Record(base.Add(time.Second)) {
		t.Fatal("triggered on 2nd event, want false")
	}
	if !w.Record(base.Add(2 * time.Second)) {
		t.Fatal("did not trigger on 3rd event, want true")
	}
	if w.Len() != 0 {
		t.Fatalf("Len() after trigger = %d, want 0 (window emptied)", w.Len())
	}
}

func TestWindowPrunesStaleEvents(t *testing.T) {
	w := NewWindow(Dead, 10*time.Second, 2)
	base := time.Unix(0, 0)

	w.Record(base)
	if w.Record(base.Add(20 * time.Second)) {
		t.Fatal("triggered despite first event falling outside the window")
	}
	if w.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (only the fresh event survives)", w.Len())
	}
}

func TestMonitorRecordStallAndDead(t *testing.T) {
	m := NewMonitor(nil)
	now := time.Now()

	for i := 0; i < DefaultStallThreshold-1; i++ {
		if m.RecordStall(now.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("stall triggered early at i=%d", i)
		}
	}
	if !m.RecordStall(now.Add(time.Duration(DefaultStallThreshold) * time.Second)) {
		t.Fatal("stall did not trigger at threshold")
	}

	for i := 0; i < DefaultDeadThreshold-1; i++ {
		if m.RecordDead(now.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("dead triggered early at i=%d", i)
		}
	}
	if m.dead.Len() != DefaultDeadThreshold-1 {
		t.Fatalf("dead window Len() = %d, want %d before Reset", m.dead.Len(), DefaultDeadThreshold-1)
	}

	m.Reset()
	if m.stall.Len() != 0 || m.dead.Len() != 0 {
		t.Fatal("Reset did not empty both windows")
	}
}
