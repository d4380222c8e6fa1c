package moonraker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"printcast/internal/platform/config"
)

// ErrUpstreamUnavailable is returned for any transport, HTTP, or breaker
// failure while talking to Moonraker.
var ErrUpstreamUnavailable = errors.New("moonraker unavailable")

// FetchTimeout bounds a single telemetry fetch.
const FetchTimeout = 4 * time.Second

// Provider is the read interface the rest of the system consumes.
type Provider interface {
	GetPrintInfo(ctx context.Context) (*PrinterState, error)
	GetFileMetadata(ctx context.Context, filename string) (*FileMetadata, error)
	ListFiles(ctx context.Context, path string) ([]FileEntry, error)
	DownloadFile(ctx context.Context, filename string) ([]byte, error)
}

// Client talks to a Moonraker-compatible API over HTTP. A circuit breaker
// keeps a dead printer from stalling every poll with a full timeout.
type Client struct {
	base    string
	header  string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	log     *slog.Logger
	verbose bool
}

// NewClient builds a Client from configuration.
func NewClient(cfg config.MoonrakerConfig, log *slog.Logger) *Client {
	settings := gobreaker.Settings{
		Name:     "moonraker",
		Interval: 60 * time.Second,
		Timeout:  15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	}
	return &Client{
		base:    cfg.BaseURL,
		header:  cfg.AuthHeader,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: FetchTimeout},
		breaker: gobreaker.NewCircuitBreaker[[]byte](settings),
		log:     log,
		verbose: cfg.VerboseLogs,
	}
}

// get performs a breaker-guarded GET and returns the response body.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	body, err := c.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		if c.apiKey != "" {
			req.Header.Set(c.header, c.apiKey)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		if c.verbose {
			c.log.Debug("moonraker fetch failed", slog.String("url", u), slog.String("error", err.Error()))
		}
		return nil, fmt.Errorf("%w: GET %s: %v", ErrUpstreamUnavailable, path, err)
	}
	if c.verbose {
		c.log.Debug("moonraker fetch", slog.String("url", u), slog.Int("bytes", len(body)))
	}
	return body, nil
}

// statusResponse mirrors /printer/objects/query.
type statusResponse struct {
	Result struct {
		Status struct {
			PrintStats struct {
				Filename      string  `json:"filename"`
				State         string  `json:"state"`
				PrintDuration float64 `json:"print_duration"`
				FilamentUsed  float64 `json:"filament_used"`
				Info          struct {
					CurrentLayer *int `json:"current_layer"`
					TotalLayer   *int `json:"total_layer"`
				} `json:"info"`
			} `json:"print_stats"`
			DisplayStatus struct {
				Progress *float64 `json:"progress"`
			} `json:"display_status"`
			HeaterBed *struct {
				Temperature float64 `json:"temperature"`
				Target      float64 `json:"target"`
			} `json:"heater_bed"`
			Extruder *struct {
				Temperature float64 `json:"temperature"`
				Target      float64 `json:"target"`
			} `json:"extruder"`
			GcodeMove struct {
				SpeedFactor   *float64 `json:"speed_factor"`
				ExtrudeFactor *float64 `json:"extrude_factor"`
				Speed         *float64 `json:"speed"`
			} `json:"gcode_move"`
		} `json:"status"`
	} `json:"result"`
}

// GetPrintInfo queries the printer and builds a PrinterState snapshot from
// a single atomic read.
func (c *Client) GetPrintInfo(ctx context.Context) (*PrinterState, error) {
	q := url.Values{}
	q.Set("print_stats", "")
	q.Set("display_status", "")
	q.Set("heater_bed", "")
	q.Set("extruder", "")
	q.Set("gcode_move", "")
	body, err := c.get(ctx, "/printer/objects/query", q)
	if err != nil {
		return nil, err
	}

	var sr statusResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("%w: decode status: %v", ErrUpstreamUnavailable, err)
	}
	st := sr.Result.Status

	ps := &PrinterState{
		Filename:     st.PrintStats.Filename,
		State:        mapState(st.PrintStats.State),
		CurrentLayer: st.PrintStats.Info.CurrentLayer,
		TotalLayers:  st.PrintStats.Info.TotalLayer,
		SnapshotTime: time.Now().UTC(),
	}

	if st.DisplayStatus.Progress != nil {
		pct := *st.DisplayStatus.Progress * 100
		pct = math.Max(0, math.Min(100, pct))
		ps.ProgressPercent = &pct
	}
	if st.PrintStats.PrintDuration > 0 {
		el := time.Duration(st.PrintStats.PrintDuration * float64(time.Second))
		ps.Elapsed = &el
		// Remaining is an estimate from linear extrapolation of progress.
		if ps.ProgressPercent != nil && *ps.ProgressPercent > 0 {
			rem := time.Duration(float64(el) * (100 - *ps.ProgressPercent) / *ps.ProgressPercent)
			ps.Remaining = &rem
		}
	}
	if st.HeaterBed != nil {
		ps.BedTemp = &Temperature{Actual: st.HeaterBed.Temperature, Target: st.HeaterBed.Target}
	}
	if st.Extruder != nil {
		ps.ToolTemp = &Temperature{Actual: st.Extruder.Temperature, Target: st.Extruder.Target}
	}
	if st.GcodeMove.Speed != nil {
		// gcode_move.speed is mm/min.
		v := *st.GcodeMove.Speed / 60
		ps.SpeedMmSec = &v
	}
	if st.GcodeMove.SpeedFactor != nil {
		v := *st.GcodeMove.SpeedFactor * 100
		ps.SpeedFactor = &v
	}
	if st.GcodeMove.ExtrudeFactor != nil {
		v := *st.GcodeMove.ExtrudeFactor * 100
		ps.FlowFactor = &v
	}
	if st.PrintStats.FilamentUsed > 0 {
		v := st.PrintStats.FilamentUsed
		ps.FilamentUsedMm = &v
	}

	return ps, nil
}

// GetFileMetadata fetches slicer metadata for a G-code file.
func (c *Client) GetFileMetadata(ctx context.Context, filename string) (*FileMetadata, error) {
	q := url.Values{}
	q.Set("filename", filename)
	body, err := c.get(ctx, "/server/files/metadata", q)
	if err != nil {
		return nil, err
	}
	var mr struct {
		Result FileMetadata `json:"result"`
	}
	if err := json.Unmarshal(body, &mr); err != nil {
		return nil, fmt.Errorf("%w: decode metadata: %v", ErrUpstreamUnavailable, err)
	}
	return &mr.Result, nil
}

// ListFiles lists G-code files under the given path ("" for the root).
func (c *Client) ListFiles(ctx context.Context, path string) ([]FileEntry, error) {
	q := url.Values{}
	if path != "" {
		q.Set("root", path)
	}
	body, err := c.get(ctx, "/server/files/list", q)
	if err != nil {
		return nil, err
	}
	var lr struct {
		Result []FileEntry `json:"result"`
	}
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, fmt.Errorf("%w: decode file list: %v", ErrUpstreamUnavailable, err)
	}
	return lr.Result, nil
}

// DownloadFile fetches the raw bytes of a G-code file.
func (c *Client) DownloadFile(ctx context.Context, filename string) ([]byte, error) {
	return c.get(ctx, "/server/files/gcodes/"+url.PathEscape(filename), nil)
}

// mapState maps Moonraker's print_stats.state strings onto the coarse
// State enum. Cancelled prints land on idle.
func mapState(s string) State {
	switch s {
	case "printing":
		return StatePrinting
	case "paused":
		return StatePaused
	case "complete":
		return StateComplete
	case "error":
		return StateError
	case "standby", "cancelled":
		return StateIdle
	case "":
		return StateUnknown
	default:
		return StateUnknown
	}
}
