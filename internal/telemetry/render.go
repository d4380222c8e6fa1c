// Package telemetry renders printer telemetry: the overlay banner text
// rewritten for the drawtext filter, and the presentation-ready string
// fields served to OBS URL sources.
package telemetry

import (
	"fmt"
	"strings"
	"time"

	"printcast/internal/moonraker"
)

// RenderBanner produces the multi-line overlay banner for one snapshot.
// Columns are fixed-width so consecutive refreshes do not jitter.
func RenderBanner(s *moonraker.PrinterState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Nozzle: %-15s Bed: %s\n", tempPair(toolTemp(s)), tempPair(bedTemp(s)))
	fmt.Fprintf(&b, "State:  %-15s Progress: %s\n", stateText(s), progressText(s))
	fmt.Fprintf(&b, "Layer:  %-15s ETA: %s\n", layerText(s), etaText(s))
	fmt.Fprintf(&b, "File:   %s", filenameText(s))
	return b.String()
}

// OBSFields is the JSON payload of the OBS URL-source endpoint. Every value
// is pre-formatted server-side; missing values are empty strings.
type OBSFields struct {
	Nozzle          string `json:"nozzle"`
	NozzleTarget    string `json:"nozzleTarget"`
	Bed             string `json:"bed"`
	BedTarget       string `json:"bedTarget"`
	State           string `json:"state"`
	Progress        string `json:"progress"`
	Layer           string `json:"layer"`
	LayerMax        string `json:"layerMax"`
	Time            string `json:"time"`
	Filename        string `json:"filename"`
	Speed           string `json:"speed"`
	SpeedFactor     string `json:"speedFactor"`
	Flow            string `json:"flow"`
	Filament        string `json:"filament"`
	FilamentType    string `json:"filamentType"`
	FilamentBrand   string `json:"filamentBrand"`
	FilamentColor   string `json:"filamentColor"`
	FilamentName    string `json:"filamentName"`
	FilamentUsedMm  string `json:"filamentUsedMm"`
	FilamentTotalMm string `json:"filamentTotalMm"`
	Slicer          string `json:"slicer"`
	ETA             string `json:"eta"`
	AudioName       string `json:"audioName"`
}

// RenderOBS builds the OBS field set. meta and audioName may be zero.
func RenderOBS(s *moonraker.PrinterState, meta *moonraker.FileMetadata, audioName string) OBSFields {
	f := OBSFields{
		State:     string(stateOrUnknown(s)),
		AudioName: audioName,
	}
	if s == nil {
		return f
	}
	f.Time = s.SnapshotTime.UTC().Format(time.RFC3339)
	f.Filename = s.Filename
	if t := toolTemp(s); t != nil {
		f.Nozzle = fmt.Sprintf("%.1f", t.Actual)
		f.NozzleTarget = fmt.Sprintf("%.1f", t.Target)
	}
	if t := bedTemp(s); t != nil {
		f.Bed = fmt.Sprintf("%.1f", t.Actual)
		f.BedTarget = fmt.Sprintf("%.1f", t.Target)
	}
	if s.ProgressPercent != nil {
		f.Progress = fmt.Sprintf("%.1f", *s.ProgressPercent)
	}
	if s.CurrentLayer != nil {
		f.Layer = fmt.Sprintf("%d", *s.CurrentLayer)
	}
	if s.TotalLayers != nil {
		f.LayerMax = fmt.Sprintf("%d", *s.TotalLayers)
	}
	if s.SpeedMmSec != nil {
		f.Speed = fmt.Sprintf("%.0f mm/s", *s.SpeedMmSec)
	}
	if s.SpeedFactor != nil {
		f.SpeedFactor = fmt.Sprintf("%.0f%%", *s.SpeedFactor)
	}
	if s.FlowFactor != nil {
		f.Flow = fmt.Sprintf("%.0f%%", *s.FlowFactor)
	}
	if s.FilamentUsedMm != nil {
		f.FilamentUsedMm = fmt.Sprintf("%.0f", *s.FilamentUsedMm)
	}
	if s.Remaining != nil {
		f.ETA = clock(*s.Remaining)
	}
	if meta != nil {
		f.FilamentType = meta.FilamentType
		f.FilamentName = meta.FilamentName
		f.Filament = meta.FilamentName
		if meta.FilamentTotal > 0 {
			f.FilamentTotalMm = fmt.Sprintf("%.0f", meta.FilamentTotal)
		}
		f.Slicer = strings.TrimSpace(meta.Slicer + " " + meta.SlicerVersion)
	}
	return f
}

func stateOrUnknown(s *moonraker.PrinterState) moonraker.State {
	if s == nil {
		return moonraker.StateUnknown
	}
	return s.State
}

func toolTemp(s *moonraker.PrinterState) *moonraker.Temperature {
	if s == nil {
		return nil
	}
	return s.ToolTemp
}

func bedTemp(s *moonraker.PrinterState) *moonraker.Temperature {
	if s == nil {
		return nil
	}
	return s.BedTemp
}

func tempPair(t *moonraker.Temperature) string {
	if t == nil {
		return "--- / ---"
	}
	return fmt.Sprintf("%5.1f / %5.1f", t.Actual, t.Target)
}

func stateText(s *moonraker.PrinterState) string {
	return string(stateOrUnknown(s))
}

func progressText(s *moonraker.PrinterState) string {
	if s == nil || s.ProgressPercent == nil {
		return "---"
	}
	return fmt.Sprintf("%5.1f%%", *s.ProgressPercent)
}

func layerText(s *moonraker.PrinterState) string {
	if s == nil || s.CurrentLayer == nil || s.TotalLayers == nil {
		return "--- / ---"
	}
	return fmt.Sprintf("%d / %d", *s.CurrentLayer, *s.TotalLayers)
}

func etaText(s *moonraker.PrinterState) string {
	if s == nil || s.Remaining == nil {
		return "---"
	}
	return clock(*s.Remaining)
}

func filenameText(s *moonraker.PrinterState) string {
	if s == nil || s.Filename == "" {
		return "---"
	}
	return s.Filename
}

// clock formats a duration as HH:MM:SS.
func clock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
