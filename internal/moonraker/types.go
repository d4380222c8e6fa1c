// Package moonraker implements the printer data provider: a small client
// for a Moonraker-compatible JSON/HTTP API.
package moonraker

import "time"

// State is the coarse printer state derived from Moonraker's print_stats.
type State string

const (
	StateIdle     State = "idle"
	StatePrinting State = "printing"
	StatePaused   State = "paused"
	StateComplete State = "complete"
	StateError    State = "error"
	StateUnknown  State = "unknown"
)

// Temperature is an actual/target pair for one heater.
type Temperature struct {
	Actual float64 `json:"actual"`
	Target float64 `json:"target"`
}

// PrinterState is an immutable snapshot produced by a single atomic read of
// the printer status. Optional fields are nil when the printer did not
// report them. A snapshot is never mutated after construction.
type PrinterState struct {
	Filename string `json:"filename"`
	State    State  `json:"state"`

	ProgressPercent *float64 `json:"progress_percent,omitempty"`
	CurrentLayer    *int     `json:"current_layer,omitempty"`
	TotalLayers     *int     `json:"total_layers,omitempty"`

	Elapsed   *time.Duration `json:"elapsed,omitempty"`
	Remaining *time.Duration `json:"remaining,omitempty"`

	BedTemp  *Temperature `json:"bed_temp,omitempty"`
	ToolTemp *Temperature `json:"tool_temp,omitempty"`

	// Feed and flow factors plus filament usage, used by the OBS endpoint.
	SpeedMmSec     *float64 `json:"speed_mm_sec,omitempty"`
	SpeedFactor    *float64 `json:"speed_factor,omitempty"`
	FlowFactor     *float64 `json:"flow_factor,omitempty"`
	FilamentUsedMm *float64 `json:"filament_used_mm,omitempty"`

	SnapshotTime time.Time `json:"snapshot_time"`
}

// Printing reports whether the snapshot shows an active print.
func (s *PrinterState) Printing() bool {
	return s != nil && s.State == StatePrinting
}

// NearCompletion reports whether any near-completion predicate holds:
// remaining time at or below remainingCutoff, progress at or above
// progressCutoff, or current layer within layerOffset of the last layer.
func (s *PrinterState) NearCompletion(remainingCutoff time.Duration, progressCutoff float64, layerOffset int) bool {
	if s == nil {
		return false
	}
	if s.Remaining != nil && *s.Remaining <= remainingCutoff {
		return true
	}
	if s.ProgressPercent != nil && *s.ProgressPercent >= progressCutoff {
		return true
	}
	if s.CurrentLayer != nil && s.TotalLayers != nil && *s.TotalLayers > 0 &&
		*s.CurrentLayer >= *s.TotalLayers-layerOffset {
		return true
	}
	return false
}

// FileMetadata is the subset of Moonraker G-code file metadata the
// controller consumes.
type FileMetadata struct {
	Filename            string  `json:"filename"`
	Slicer              string  `json:"slicer"`
	SlicerVersion       string  `json:"slicer_version"`
	EstimatedTime       float64 `json:"estimated_time"`
	FilamentTotal       float64 `json:"filament_total"`
	FilamentType        string  `json:"filament_type"`
	FilamentName        string  `json:"filament_name"`
	FilamentWeightTotal float64 `json:"filament_weight_total"`
	LayerCount          int     `json:"layer_count"`
	ObjectHeight        float64 `json:"object_height"`
	LayerHeight         float64 `json:"layer_height"`
	FirstLayerHeight    float64 `json:"first_layer_height"`
}

// FileEntry is one item of a file listing.
type FileEntry struct {
	Path     string  `json:"path"`
	Modified float64 `json:"modified"`
	Size     int64   `json:"size"`
}
