// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config errors.
var (
	ErrInvalidConfig   = errors.New("invalid config")
	ErrPathNotAbsolute = errors.New("path is not absolute")
)

// CameraConfig video source.
type CameraConfig struct {
	Name string `yaml:"name"`
	Src  string `yaml:"src"`

	// Frames are resized to this resolution.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`

	// Reader rate cap, 0 is uncapped.
	FPSReading int `yaml:"fpsReading"`

	// "ffmpeg" or "gocv".
	Backend string `yaml:"backend"`
}

// AnalysisConfig consumer config.
type AnalysisConfig struct {
	FPS           int    `yaml:"fps"`
	BufferSeconds int    `yaml:"bufferSeconds"`
	MaxFrames     uint64 `yaml:"maxFrames"`
}

// RedisConfig queue store.
type RedisConfig struct {
	Address    string `yaml:"address"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	Namespace  string `yaml:"namespace"`
	AtomicTrim bool   `yaml:"atomicTrim"`
}

// FrameWindowConfig records frames start to end, zero end disables it.
type FrameWindowConfig struct {
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
}

// RecordConfig recorder config.
type RecordConfig struct {
	Enable           bool              `yaml:"enable"`
	FPS              int               `yaml:"fps"`
	BufferSeconds    int               `yaml:"bufferSeconds"`
	Dir              string            `yaml:"dir"`
	FileExt          string            `yaml:"fileExt"`
	VCodec           string            `yaml:"vcodec"`
	WatchdogInterval time.Duration     `yaml:"watchdogInterval"`
	FrameWindow      FrameWindowConfig `yaml:"frameWindow"`
}

// StorageConfig storage directory and disk limit.
type StorageConfig struct {
	Dir string `yaml:"dir"`

	// Gigabytes, 0 disables purging.
	MaxDiskUsage float64 `yaml:"maxDiskUsage"`
}

// WebConfig http api.
type WebConfig struct {
	Address      string `yaml:"address"`
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"passwordHash"`
}

// Config application configuration.
type Config struct {
	Camera       CameraConfig   `yaml:"camera"`
	Analysis     AnalysisConfig `yaml:"analysis"`
	Redis        RedisConfig    `yaml:"redis"`
	Record       RecordConfig   `yaml:"record"`
	Storage      StorageConfig  `yaml:"storage"`
	Web          WebConfig      `yaml:"web"`
	FFmpegBin    string         `yaml:"ffmpegBin"`
	RestartDelay time.Duration  `yaml:"restartDelay"`
	Verbose      int            `yaml:"verbose"`

	ConfigDir string `yaml:"-"`
}

// Backends.
const (
	BackendFFmpeg = "ffmpeg"
	BackendGocv   = "gocv"
)

// Defaults.
const (
	DefaultAnalysisFPS   = 12
	DefaultBufferSeconds = 2
	DefaultWidth         = 860
	DefaultHeight        = 480
	maxRecBufferSeconds  = 60
)

// NewConfig parses, fills in defaults and validates the config file.
func NewConfig(configPath string, configYAML []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(configYAML, &c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	c.ConfigDir = filepath.Dir(configPath)
	c.setDefaults()

	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) setDefaults() {
	if c.Camera.Name == "" {
		c.Camera.Name = "cam1"
	}
	if c.Camera.Width == 0 && c.Camera.Height == 0 {
		c.Camera.Width = DefaultWidth
		c.Camera.Height = DefaultHeight
	}
	if c.Camera.Backend == "" {
		c.Camera.Backend = BackendFFmpeg
	}

	if c.Analysis.FPS == 0 {
		c.Analysis.FPS = DefaultAnalysisFPS
	}
	if c.Analysis.BufferSeconds == 0 {
		c.Analysis.BufferSeconds = DefaultBufferSeconds
	}

	if c.Redis.Address == "" {
		c.Redis.Address = "localhost:6379"
	}
	if c.Redis.Namespace == "" {
		c.Redis.Namespace = "namespace"
	}

	if c.Storage.Dir == "" {
		c.Storage.Dir = filepath.Join(c.ConfigDir, "storage")
	}

	if c.Record.FPS == 0 {
		c.Record.FPS = c.Analysis.FPS
	}
	if c.Record.BufferSeconds == 0 {
		c.Record.BufferSeconds = DefaultBufferSeconds
	}
	if c.Record.Dir == "" {
		c.Record.Dir = filepath.Join(c.Storage.Dir, "recordings")
	}
	if c.Record.FileExt == "" {
		c.Record.FileExt = "mp4"
	}
	c.Record.FileExt = strings.TrimPrefix(c.Record.FileExt, ".")
	if c.Record.VCodec == "" {
		c.Record.VCodec = "libx264"
	}
	if c.Record.WatchdogInterval == 0 {
		c.Record.WatchdogInterval = 30 * time.Second
	}

	if c.Web.Address == "" {
		c.Web.Address = ":2020"
	}
	if c.FFmpegBin == "" {
		c.FFmpegBin = "/usr/bin/ffmpeg"
	}
	if c.RestartDelay == 0 {
		c.RestartDelay = 1 * time.Second
	}
}

func invalid(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, v...))
}

func (c Config) validate() error { //nolint:funlen
	switch {
	case c.Camera.Src == "":
		return invalid("camera.src is required")
	case strings.ContainsAny(c.Camera.Name, "/:\\ "):
		return invalid("camera.name contains an illegal character: %q", c.Camera.Name)
	case c.Camera.Width <= 0 || c.Camera.Height <= 0:
		return invalid("camera.width and camera.height must both be positive: %dx%d",
			c.Camera.Width, c.Camera.Height)
	case c.Camera.FPSReading < 0:
		return invalid("camera.fpsReading is negative")
	case c.Camera.Backend != BackendFFmpeg && c.Camera.Backend != BackendGocv:
		return invalid("camera.backend must be %q or %q: %q",
			BackendFFmpeg, BackendGocv, c.Camera.Backend)

	case c.Analysis.FPS < 0:
		return invalid("analysis.fps is negative")
	case c.Analysis.BufferSeconds < 0:
		return invalid("analysis.bufferSeconds is negative")

	case c.Redis.DB < 0:
		return invalid("redis.db is negative")

	case c.Record.FPS < 0:
		return invalid("record.fps is negative")
	case c.Record.BufferSeconds < 0 || c.Record.BufferSeconds >= maxRecBufferSeconds:
		return invalid("record.bufferSeconds must be between 0 and %d", maxRecBufferSeconds)
	case c.Record.WatchdogInterval < 0:
		return invalid("record.watchdogInterval is negative")
	case c.Record.FrameWindow.End != 0 && c.Record.FrameWindow.End < c.Record.FrameWindow.Start:
		return invalid("record.frameWindow.end is before start")

	case c.Storage.MaxDiskUsage < 0:
		return invalid("storage.maxDiskUsage is negative")

	case c.Verbose < 0 || c.Verbose > 2:
		return invalid("verbose must be between 0 and 2: %d", c.Verbose)
	case c.RestartDelay < 0:
		return invalid("restartDelay is negative")
	}

	if !filepath.IsAbs(c.FFmpegBin) {
		return fmt.Errorf("%w: ffmpegBin '%v': %v", ErrInvalidConfig, c.FFmpegBin, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(c.Storage.Dir) {
		return fmt.Errorf("%w: storage.dir '%v': %v", ErrInvalidConfig, c.Storage.Dir, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(c.Record.Dir) {
		return fmt.Errorf("%w: record.dir '%v': %v", ErrInvalidConfig, c.Record.Dir, ErrPathNotAbsolute)
	}

	if c.Web.Username != "" || c.Web.PasswordHash != "" {
		if c.Web.Username == "" {
			return invalid("web.passwordHash set without web.username")
		}
		if _, err := bcrypt.Cost([]byte(c.Web.PasswordHash)); err != nil {
			return invalid("web.passwordHash is not a bcrypt hash: %v", err)
		}
	}
	return nil
}

// QueueCapacity returns the number of frames the queue holds.
func (c Config) QueueCapacity() int {
	capacity := c.Analysis.FPS * c.Analysis.BufferSeconds
	if capacity < 1 {
		return 1
	}
	return capacity
}

// LogDBPath returns the log database path.
func (c Config) LogDBPath() string {
	return filepath.Join(c.Storage.Dir, "logs.db")
}

// AuthEnabled returns true if basic auth is configured.
func (c Config) AuthEnabled() bool {
	return c.Web.Username != ""
}
