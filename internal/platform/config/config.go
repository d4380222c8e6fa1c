package config

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrConfig is wrapped by all fatal configuration errors. The process must
// not start when a mandatory value is missing or malformed.
var ErrConfig = errors.New("invalid configuration")

// Config holds the full application configuration. It is immutable after
// Load and safe for concurrent reads.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Stream    StreamConfig    `koanf:"stream"`
	Audio     AudioConfig     `koanf:"audio"`
	Overlay   OverlayConfig   `koanf:"overlay"`
	Moonraker MoonrakerConfig `koanf:"moonraker"`
	YouTube   YouTubeConfig   `koanf:"youtube"`
	Timelapse TimelapseConfig `koanf:"timelapse"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// LocalBase returns the loopback base URL of this server. Pipeline stages
// consume each other through it.
func (c ServerConfig) LocalBase() string {
	return fmt.Sprintf("http://127.0.0.1:%d", c.Port)
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig selects slog level and output format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StreamConfig configures the source and mix stages.
type StreamConfig struct {
	// Source is the upstream raw MJPEG URL. Empty means no camera; the
	// source stage serves black fallback frames instead.
	Source string `koanf:"source"`
	// Snapshot is an optional upstream single-frame URL tried before
	// extracting a frame from the live MJPEG stream.
	Snapshot string    `koanf:"snapshot"`
	Mix      MixConfig `koanf:"mix"`
}

// MixConfig toggles the H.264+AAC mix stage.
type MixConfig struct {
	Enabled bool `koanf:"enabled"`
}

// AudioConfig configures the audio station.
type AudioConfig struct {
	Enabled bool   `koanf:"enabled"`
	Folder  string `koanf:"folder"`
	Shuffle bool   `koanf:"shuffle"`
	Bitrate string `koanf:"bitrate"`
}

// OverlayConfig configures the banner drawn over the video.
type OverlayConfig struct {
	FontFile       string  `koanf:"font_file"`
	FontSize       int     `koanf:"font_size"`
	FontColor      string  `koanf:"font_color"`
	BoxColor       string  `koanf:"box_color"`
	BoxBorderW     int     `koanf:"box_border_w"`
	BannerFraction float64 `koanf:"banner_fraction"`
	// BoxHeight, when > 0, overrides the fraction-derived banner height.
	BoxHeight int `koanf:"box_height"`
	RefreshMs int `koanf:"refresh_ms"`
	// TextFile is the path of the banner text file the formatter rewrites
	// and every overlay worker reads.
	TextFile string `koanf:"text_file"`
}

// MoonrakerConfig configures the printer data provider client.
type MoonrakerConfig struct {
	BaseURL     string `koanf:"base_url"`
	APIKey      string `koanf:"api_key"`
	AuthHeader  string `koanf:"auth_header"`
	VerboseLogs bool   `koanf:"verbose_logs"`
}

// YouTubeConfig configures the live broadcast controller.
type YouTubeConfig struct {
	LiveBroadcast LiveBroadcastConfig `koanf:"live_broadcast"`
	Reuse         ReuseConfig         `koanf:"reuse"`
	// AccessToken is an opaque OAuth bearer token supplied by the operator.
	AccessToken string `koanf:"access_token"`
}

// LiveBroadcastConfig holds the broadcast defaults and lifecycle switches.
type LiveBroadcastConfig struct {
	Enabled             bool   `koanf:"enabled"`
	EndStreamAfterPrint bool   `koanf:"end_stream_after_print"`
	Title               string `koanf:"title"`
	Description         string `koanf:"description"`
	Privacy             string `koanf:"privacy"`
}

// ReuseConfig controls rebinding to an existing idle broadcast.
type ReuseConfig struct {
	Enabled                       bool   `koanf:"enabled"`
	TTLMinutes                    int    `koanf:"ttl_minutes"`
	OnlyUnlistedOrPrivateForReuse bool   `koanf:"only_unlisted_or_private_for_reuse"`
	StorePath                     string `koanf:"store_path"`
}

// TimelapseConfig configures the time-lapse manager and capture loop.
type TimelapseConfig struct {
	MainFolder             string  `koanf:"main_folder"`
	ResumeWithinSeconds    int     `koanf:"resume_within_seconds"`
	AutoFinalize           bool    `koanf:"auto_finalize"`
	LastLayerOffset        int     `koanf:"last_layer_offset"`
	LastLayerRemainingSecs int     `koanf:"last_layer_remaining_seconds"`
	LastLayerProgressPct   float64 `koanf:"last_layer_progress_percent"`
	CaptureIntervalSeconds int     `koanf:"interval_seconds"`
}

// ResumeWindow returns the resume decision window as a duration.
func (c TimelapseConfig) ResumeWindow() time.Duration {
	return time.Duration(c.ResumeWithinSeconds) * time.Second
}

// CaptureInterval returns the frame capture cadence as a duration.
func (c TimelapseConfig) CaptureInterval() time.Duration {
	return time.Duration(c.CaptureIntervalSeconds) * time.Second
}

// ReuseTTL returns the broadcast reuse window as a duration.
func (c ReuseConfig) ReuseTTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// RefreshInterval returns the overlay text refresh cadence as a duration.
func (c OverlayConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshMs) * time.Millisecond
}

// BannerHeight returns the banner height in pixels for a frame of the given
// height. An explicit BoxHeight wins; otherwise the fraction is clamped to
// [0, 0.6] and applied to the frame height, rounded up.
func (c OverlayConfig) BannerHeight(frameHeight int) int {
	if c.BoxHeight > 0 {
		return c.BoxHeight
	}
	frac := math.Min(0.6, math.Max(0.0, c.BannerFraction))
	return int(math.Ceil(frac * float64(frameHeight)))
}

// Validate checks mandatory values and value ranges. All failures wrap
// ErrConfig and are fatal at startup.
func (c *Config) Validate() error {
	if c.Moonraker.BaseURL == "" {
		return fmt.Errorf("%w: moonraker.base_url is required", ErrConfig)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrConfig, c.Server.Port)
	}
	if c.Overlay.BannerFraction < 0 || c.Overlay.BannerFraction > 0.6 {
		return fmt.Errorf("%w: overlay.banner_fraction %v outside [0, 0.6]", ErrConfig, c.Overlay.BannerFraction)
	}
	if c.YouTube.LiveBroadcast.Enabled {
		switch c.YouTube.LiveBroadcast.Privacy {
		case "public", "unlisted", "private":
		default:
			return fmt.Errorf("%w: youtube.live_broadcast.privacy %q", ErrConfig, c.YouTube.LiveBroadcast.Privacy)
		}
		if c.YouTube.AccessToken == "" {
			return fmt.Errorf("%w: youtube.access_token is required when live broadcast is enabled", ErrConfig)
		}
	}
	if c.Timelapse.MainFolder == "" {
		return fmt.Errorf("%w: timelapse.main_folder is required", ErrConfig)
	}
	if c.Audio.Enabled && c.Audio.Folder == "" {
		return fmt.Errorf("%w: audio.folder is required when audio is enabled", ErrConfig)
	}
	return nil
}
