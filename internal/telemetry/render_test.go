package telemetry

import (
	"strings"
	"testing"
	"time"

	"printcast/internal/moonraker"
)

func durPtr(d time.Duration) *time.Duration { return &d }
func f64Ptr(v float64) *float64             { return &v }
func intPtr(v int) *int                     { return &v }

func printingState() *moonraker.PrinterState {
	return &moonraker.PrinterState{
		State:           moonraker.StatePrinting,
		Filename:        "benchy.gcode",
		ProgressPercent: f64Ptr(42.5),
		CurrentLayer:    intPtr(120),
		TotalLayers:     intPtr(300),
		Remaining:       durPtr(90 * time.Minute),
		ToolTemp:        &moonraker.Temperature{Actual: 215.3, Target: 215.0},
		BedTemp:         &moonraker.Temperature{Actual: 60.1, Target: 60.0},
		SnapshotTime:    time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC),
	}
}

func TestRenderBanner_fullState(t *testing.T) {
	banner := RenderBanner(printingState())

	lines := strings.Split(banner, "\n")
	if len(lines) != 4 {
		t.Fatalf("banner has %d lines: %q", len(lines), banner)
	}
	if !strings.Contains(lines[0], "215.3 / 215.0") || !strings.Contains(lines[0], "60.1 /  60.0") {
		t.Errorf("temps line: %q", lines[0])
	}
	if !strings.Contains(lines[1], "printing") || !strings.Contains(lines[1], "42.5%") {
		t.Errorf("state line: %q", lines[1])
	}
	if !strings.Contains(lines[2], "120 / 300") || !strings.Contains(lines[2], "01:30:00") {
		t.Errorf("layer line: %q", lines[2])
	}
	if !strings.Contains(lines[3], "benchy.gcode") {
		t.Errorf("file line: %q", lines[3])
	}
}

func TestRenderBanner_missingFields(t *testing.T) {
	banner := RenderBanner(&moonraker.PrinterState{State: moonraker.StateIdle})
	if !strings.Contains(banner, "--- / ---") {
		t.Errorf("expected placeholders for missing temps: %q", banner)
	}
	if !strings.Contains(banner, "File:   ---") {
		t.Errorf("expected filename placeholder: %q", banner)
	}
}

func TestRenderBanner_nilState(t *testing.T) {
	banner := RenderBanner(nil)
	if !strings.Contains(banner, "unknown") {
		t.Errorf("nil state should render unknown: %q", banner)
	}
}

func TestRenderOBS_fullState(t *testing.T) {
	meta := &moonraker.FileMetadata{
		Slicer:        "PrusaSlicer",
		SlicerVersion: "2.8.0",
		FilamentType:  "PLA",
		FilamentName:  "Galaxy Black",
		FilamentTotal: 5230.4,
	}
	f := RenderOBS(printingState(), meta, "lofi-beats")

	if f.Nozzle != "215.3" || f.NozzleTarget != "215.0" {
		t.Errorf("nozzle = %q/%q", f.Nozzle, f.NozzleTarget)
	}
	if f.Progress != "42.5" || f.Layer != "120" || f.LayerMax != "300" {
		t.Errorf("progress fields: %+v", f)
	}
	if f.ETA != "01:30:00" {
		t.Errorf("eta = %q", f.ETA)
	}
	if f.Time != "2026-08-29T12:00:00Z" {
		t.Errorf("time = %q", f.Time)
	}
	if f.Slicer != "PrusaSlicer 2.8.0" || f.FilamentType != "PLA" || f.FilamentTotalMm != "5230" {
		t.Errorf("metadata fields: %+v", f)
	}
	if f.AudioName != "lofi-beats" {
		t.Errorf("audioName = %q", f.AudioName)
	}
}

func TestRenderOBS_emptyNeverNull(t *testing.T) {
	f := RenderOBS(nil, nil, "")
	if f.State != "unknown" {
		t.Errorf("state = %q", f.State)
	}
	// All other fields must be empty strings, not panics or nulls.
	if f.Nozzle != "" || f.Progress != "" || f.ETA != "" || f.Slicer != "" {
		t.Errorf("expected empty fields: %+v", f)
	}
}

func TestClock(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{-time.Minute, "00:00:00"},
		{61 * time.Second, "00:01:01"},
		{25*time.Hour + 5*time.Minute, "25:05:00"},
	}
	for _, tc := range cases {
		if got := clock(tc.d); got != tc.want {
			t.Errorf("clock(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}
