// Package config loads and exposes the dispatch platform's TOML
// configuration as a process-wide, read-mostly singleton — spec §6,
// §9 "process-wide singletons".
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package config

import (
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

type SplitMode struct {
	Mode                  string `toml:"mode"` // "Frame" or "Time"
	SegmentDurationSecs   int    `toml:"segment_duration_secs"`
}

type Annotation struct {
	FontPath    string `toml:"font_path"`
	FontSize    int    `toml:"font_size"`
	BorderWidth int    `toml:"border_width"`
	BorderColor string `toml:"border_color"`
	TextColor   string `toml:"text_color"`
}

// Config mirrors the recognised TOML keys from spec §6.
type Config struct {
	InternalTimestampMS   int64      `toml:"internal_timestamp"`
	AgentListenPort       int        `toml:"agent_listen_port"`
	HTTPServerBindPort    int        `toml:"http_server_bind_port"`
	DedicatedPortRangeLo  int        `toml:"dedicated_port_range_lo"`
	DedicatedPortRangeHi  int        `toml:"dedicated_port_range_hi"`
	RefreshIntervalS      int64      `toml:"refresh_interval"`
	PollingIntervalMS     int64      `toml:"polling_interval"`
	BindRetryDurationS    int64      `toml:"bind_retry_duration"`
	AgentIdleDurationS    int64      `toml:"agent_idle_duration"`
	ControlChannelTimeoutS int64     `toml:"control_channel_timeout"`
	DataChannelTimeoutS   int64      `toml:"data_channel_timeout"`
	FileTransferTimeoutS  int64      `toml:"file_transfer_timeout"`
	Split                 SplitMode  `toml:"split_mode"`
	Annotation            Annotation `toml:"annotation"`

	// Agent-side only: where Management listens.
	ManagementAddr string `toml:"management_addr"`

	// root directory under which SavedModel/, SavedFile/, etc. live.
	DataRoot string `toml:"data_root"`

	// path to the external inference backend executable (spec §4.6).
	InferenceBackendPath string `toml:"inference_backend_path"`

	// path to the ffmpeg-compatible transcoder executable used by the
	// default transcoder.Transcoder implementation.
	FFmpegPath string `toml:"ffmpeg_path"`
}

// Duration accessors use value receivers: config.Get() returns a Config
// value, and that call result must stay callable directly without an
// intermediate variable.
func (c Config) InternalTimestamp() time.Duration {
	return time.Duration(c.InternalTimestampMS) * time.Millisecond
}
func (c Config) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalMS) * time.Millisecond
}
func (c Config) BindRetryDuration() time.Duration {
	return time.Duration(c.BindRetryDurationS) * time.Second
}
func (c Config) AgentIdleDuration() time.Duration {
	return time.Duration(c.AgentIdleDurationS) * time.Second
}
func (c Config) ControlChannelTimeout() time.Duration {
	return time.Duration(c.ControlChannelTimeoutS) * time.Second
}
func (c Config) DataChannelTimeout() time.Duration {
	return time.Duration(c.DataChannelTimeoutS) * time.Second
}
func (c Config) FileTransferTimeout() time.Duration {
	return time.Duration(c.FileTransferTimeoutS) * time.Second
}
func (c Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalS) * time.Second
}

func Default() Config {
	return Config{
		InternalTimestampMS:    500,
		AgentListenPort:        9090,
		HTTPServerBindPort:     8080,
		DedicatedPortRangeLo:   20000,
		DedicatedPortRangeHi:   21000,
		RefreshIntervalS:       2,
		PollingIntervalMS:      250,
		BindRetryDurationS:     5,
		AgentIdleDurationS:     30,
		ControlChannelTimeoutS: 15,
		DataChannelTimeoutS:    15,
		FileTransferTimeoutS:   120,
		Split:                  SplitMode{Mode: "Frame"},
		Annotation: Annotation{
			FontSize:    16,
			BorderWidth: 2,
			BorderColor: "red",
			TextColor:   "white",
		},
		DataRoot: ".",
	}
}

// Load reads defaults, then overlays a TOML file when path is non-empty.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		return cfg, errors.Wrapf(err, "config: cannot stat %s", path)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "config: cannot parse %s", path)
	}
	return cfg, nil
}

// GCO ("global config owner") is the process-wide singleton, mirroring
// the teacher's cmn.GCO pattern: background tasks spawned from HTTP
// handlers and channel goroutines all reach configuration through here
// rather than threading a *Config through every call.
var gco struct {
	mu  sync.RWMutex
	cfg Config
	set bool
}

func Initialize(cfg Config) {
	gco.mu.Lock()
	defer gco.mu.Unlock()
	gco.cfg = cfg
	gco.set = true
}

func Get() Config {
	gco.mu.RLock()
	defer gco.mu.RUnlock()
	if !gco.set {
		return Default()
	}
	return gco.cfg
}

func Terminate() {
	gco.mu.Lock()
	defer gco.mu.Unlock()
	gco.cfg = Config{}
	gco.set = false
}
