package metrics

import (
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New returned nil")
	}
	if m.startTime.IsZero() {
		t.Error("Start time not set")
	}
}

func TestCounters(t *testing.T) {
	m := New()

	m.IncFramesReceived()
	m.IncFramesReceived()
	m.IncStatusFramesSent()
	m.IncLoopTicks()
	m.IncKickouts()
	m.IncDriverTxFailures()

	if m.FramesReceived != 2 {
		t.Errorf("Expected FramesReceived 2, got %d", m.FramesReceived)
	}
	if m.StatusFramesSent != 1 {
		t.Errorf("Expected StatusFramesSent 1, got %d", m.StatusFramesSent)
	}
	if m.Kickouts != 1 {
		t.Errorf("Expected Kickouts 1, got %d", m.Kickouts)
	}
}

func TestDropReasons(t *testing.T) {
	m := New()

	m.IncDropped(DropBadMagic)
	m.IncDropped(DropBadCRC)
	m.IncDropped(DropBadCRC)
	m.IncDropped(DropBadLength)
	m.IncDropped(DropUnknownPGN)

	if m.FramesDropped != 5 {
		t.Errorf("Expected FramesDropped 5, got %d", m.FramesDropped)
	}
	if m.DroppedBadCRC != 2 {
		t.Errorf("Expected DroppedBadCRC 2, got %d", m.DroppedBadCRC)
	}
	if m.DroppedBadMagic != 1 || m.DroppedBadLength != 1 || m.DroppedUnknown != 1 {
		t.Error("Per-reason counters wrong")
	}
}

func TestSnapshot(t *testing.T) {
	m := New()
	m.IncFramesReceived()
	m.IncKickouts()
	m.UpdateSystemMetrics()

	snap := m.Snapshot()

	router, ok := snap["router"].(map[string]interface{})
	if !ok {
		t.Fatal("Snapshot missing router section")
	}
	if router["received"] != int64(1) {
		t.Errorf("Expected received 1, got %v", router["received"])
	}

	loop, ok := snap["loop"].(map[string]interface{})
	if !ok {
		t.Fatal("Snapshot missing loop section")
	}
	if loop["kickouts"] != int64(1) {
		t.Errorf("Expected kickouts 1, got %v", loop["kickouts"])
	}

	system, ok := snap["system"].(map[string]interface{})
	if !ok {
		t.Fatal("Snapshot missing system section")
	}
	if system["goroutines"].(int) <= 0 {
		t.Error("Expected positive goroutine count")
	}
}

func TestPrometheusFormat(t *testing.T) {
	m := New()
	m.IncFramesReceived()
	m.IncKickouts()

	out := m.PrometheusFormat()

	if !strings.Contains(out, "agsteer_frames_received_total 1") {
		t.Error("Missing frames received counter")
	}
	if !strings.Contains(out, "agsteer_kickouts_total 1") {
		t.Error("Missing kickouts counter")
	}
	if !strings.Contains(out, "# TYPE agsteer_uptime_seconds gauge") {
		t.Error("Missing uptime gauge type line")
	}
}
