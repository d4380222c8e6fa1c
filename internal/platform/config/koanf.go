package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the config file locations searched in order.
// The first existing file wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/printcast/config.yaml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix is stripped from environment variables before mapping them to
// config paths, e.g. PRINTCAST_STREAM_MIX_ENABLED -> stream.mix.enabled.
const envPrefix = "PRINTCAST_"

// Default returns a Config populated with every default value. Defaults are
// applied first and overridden by the config file and environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Stream: StreamConfig{
			Source:   "",
			Snapshot: "",
			Mix:      MixConfig{Enabled: true},
		},
		Audio: AudioConfig{
			Enabled: false,
			Folder:  "",
			Shuffle: false,
			Bitrate: "192k",
		},
		Overlay: OverlayConfig{
			FontFile:       "/usr/share/fonts/truetype/dejavu/DejaVuSansMono.ttf",
			FontSize:       20,
			FontColor:      "white",
			BoxColor:       "black@0.6",
			BoxBorderW:     0,
			BannerFraction: 0.22,
			BoxHeight:      0,
			RefreshMs:      1000,
			TextFile:       "/var/lib/printcast/overlay_text.txt",
		},
		Moonraker: MoonrakerConfig{
			BaseURL:     "",
			APIKey:      "",
			AuthHeader:  "X-Api-Key",
			VerboseLogs: false,
		},
		YouTube: YouTubeConfig{
			LiveBroadcast: LiveBroadcastConfig{
				Enabled:             false,
				EndStreamAfterPrint: true,
				Title:               "3D print live",
				Description:         "",
				Privacy:             "unlisted",
			},
			Reuse: ReuseConfig{
				Enabled:                       true,
				TTLMinutes:                    24 * 60,
				OnlyUnlistedOrPrivateForReuse: true,
				StorePath:                     "/var/lib/printcast/broadcast_reuse.json",
			},
		},
		Timelapse: TimelapseConfig{
			MainFolder:             "/var/lib/printcast/timelapses",
			ResumeWithinSeconds:    300,
			AutoFinalize:           true,
			LastLayerOffset:        1,
			LastLayerRemainingSecs: 30,
			LastLayerProgressPct:   98.5,
			CaptureIntervalSeconds: 10,
		},
	}
}

// Load builds the configuration from three layers: built-in defaults, an
// optional YAML config file, and environment variables (highest priority).
// A local .env file, when present, is folded into the environment first.
func Load() (*Config, error) {
	// Missing .env is the common case and not an error worth surfacing.
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("%w: load defaults: %v", ErrConfig, err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: load %s: %v", ErrConfig, path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("%w: load environment: %v", ErrConfig, err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %v", ErrConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransform maps an environment variable name to a config path.
// PRINTCAST_STREAM_MIX_ENABLED -> stream.mix.enabled. Multi-word leaves
// that contain underscores are listed explicitly.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))

	// Leaves whose names contain underscores would be split incorrectly by
	// the generic rule below.
	explicit := map[string]string{
		"moonraker_base_url":                               "moonraker.base_url",
		"moonraker_api_key":                                "moonraker.api_key",
		"moonraker_auth_header":                            "moonraker.auth_header",
		"moonraker_verbose_logs":                           "moonraker.verbose_logs",
		"overlay_font_file":                                "overlay.font_file",
		"overlay_font_size":                                "overlay.font_size",
		"overlay_font_color":                               "overlay.font_color",
		"overlay_box_color":                                "overlay.box_color",
		"overlay_box_border_w":                             "overlay.box_border_w",
		"overlay_banner_fraction":                          "overlay.banner_fraction",
		"overlay_box_height":                               "overlay.box_height",
		"overlay_refresh_ms":                               "overlay.refresh_ms",
		"overlay_text_file":                                "overlay.text_file",
		"stream_mix_enabled":                               "stream.mix.enabled",
		"youtube_access_token":                             "youtube.access_token",
		"youtube_live_broadcast_enabled":                   "youtube.live_broadcast.enabled",
		"youtube_live_broadcast_end_stream_after_print":    "youtube.live_broadcast.end_stream_after_print",
		"youtube_live_broadcast_title":                     "youtube.live_broadcast.title",
		"youtube_live_broadcast_description":               "youtube.live_broadcast.description",
		"youtube_live_broadcast_privacy":                   "youtube.live_broadcast.privacy",
		"youtube_reuse_enabled":                            "youtube.reuse.enabled",
		"youtube_reuse_ttl_minutes":                        "youtube.reuse.ttl_minutes",
		"youtube_reuse_only_unlisted_or_private_for_reuse": "youtube.reuse.only_unlisted_or_private_for_reuse",
		"youtube_reuse_store_path":                         "youtube.reuse.store_path",
		"timelapse_main_folder":                            "timelapse.main_folder",
		"timelapse_resume_within_seconds":                  "timelapse.resume_within_seconds",
		"timelapse_auto_finalize":                          "timelapse.auto_finalize",
		"timelapse_last_layer_offset":                      "timelapse.last_layer_offset",
		"timelapse_last_layer_remaining_seconds":           "timelapse.last_layer_remaining_seconds",
		"timelapse_last_layer_progress_percent":            "timelapse.last_layer_progress_percent",
		"timelapse_interval_seconds":                       "timelapse.interval_seconds",
	}
	if path, ok := explicit[key]; ok {
		return path
	}

	return strings.ReplaceAll(key, "_", ".")
}
