// Package config loads and validates the YAML configuration that describes
// cameras, detectors, zones, motion tuning, and retention policy for the core
// pipeline. The HTTP-facing schema authoring UI and the relational config
// store are external collaborators; this package only owns decode + validate.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when CONFIG_FILE is unset.
const DefaultConfigPath = "config.yaml"

// EnvConfigFile is the environment variable that overrides DefaultConfigPath.
const EnvConfigFile = "CONFIG_FILE"

// NVRConfig is the root of the YAML configuration schema.
type NVRConfig struct {
	Cameras   map[string]*CameraConfig `yaml:"cameras"`
	Detectors map[string]*DetectorConfig `yaml:"detectors"`
	MQTT      *MQTTConfig                `yaml:"mqtt,omitempty"`
	Record    RecordConfig               `yaml:"record,omitempty"`
	Snapshots SnapshotConfig             `yaml:"snapshots,omitempty"`
}

// CameraConfig describes one camera's inputs, motion tuning, and zones.
type CameraConfig struct {
	FFmpeg FFmpegConfig       `yaml:"ffmpeg"`
	Detect DetectConfig       `yaml:"detect,omitempty"`
	Motion MotionConfig       `yaml:"motion,omitempty"`
	Zones  map[string]*ZoneConfig `yaml:"zones,omitempty"`
	Record CameraRecordConfig `yaml:"record,omitempty"`
	PTZ    *PTZConfig         `yaml:"ptz,omitempty"`
}

// FFmpegConfig describes the decoder child process invocation per role.
type FFmpegConfig struct {
	Inputs []FFmpegInput `yaml:"inputs"`
}

// FFmpegInput is one decoder role: detect, record, or audio.
type FFmpegInput struct {
	Path  string   `yaml:"path"`
	Roles []string `yaml:"roles"`
}

// DetectConfig controls the region/detector side of a camera.
type DetectConfig struct {
	Width       int     `yaml:"width,omitempty"`
	Height      int     `yaml:"height,omitempty"`
	FPS         int     `yaml:"fps,omitempty"`
	MinScore    float64 `yaml:"min_score,omitempty"`
	Detector    string  `yaml:"detector,omitempty"`
	StationaryThresholdPx int     `yaml:"stationary_threshold_px,omitempty"`
	StationarySeconds     float64 `yaml:"stationary_seconds,omitempty"`
}

// MotionConfig tunes the adaptive background subtractor.
type MotionConfig struct {
	Threshold       int     `yaml:"threshold,omitempty"`
	ContourArea     int     `yaml:"contour_area,omitempty"`
	Delta           int     `yaml:"delta,omitempty"`
	FrameAlpha      float64 `yaml:"frame_alpha,omitempty"`
	ImproveContrast bool    `yaml:"improve_contrast,omitempty"`
	Mask            string  `yaml:"mask,omitempty"`
}

// ZoneConfig is one named polygon and its entry/loitering tuning.
type ZoneConfig struct {
	Coordinates       [][2]float64 `yaml:"coordinates"`
	Inertia           int          `yaml:"inertia,omitempty"`
	LoiteringSeconds  float64      `yaml:"loitering_seconds,omitempty"`
	Labels            []string     `yaml:"objects,omitempty"`
}

// DetectorConfig describes one accelerator worker.
type DetectorConfig struct {
	Type    string   `yaml:"type"` // cpu, edgetpu, gpu
	Model   string   `yaml:"model"`
	Width   int      `yaml:"width"`
	Style   string   `yaml:"style,omitempty"` // "ssd" (default) or "yolo"
	Labels  []string `yaml:"labels,omitempty"`
	Command []string `yaml:"command,omitempty"` // sidecar argv; defaults to [Model]
}

// MQTTConfig is a passthrough block; the MQTT dispatcher itself is an
// external collaborator and never constructed by this package.
type MQTTConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port,omitempty"`
	Topic  string `yaml:"topic_prefix,omitempty"`
	Enable bool   `yaml:"enabled,omitempty"`
}

// RecordConfig is the global recording retention policy.
type RecordConfig struct {
	RetainDays       int            `yaml:"retain_days,omitempty"`
	PerLabelOverride map[string]int `yaml:"retain_days_by_label,omitempty"`
	SegmentSeconds   int            `yaml:"segment_seconds,omitempty"`
	PreCaptureSeconds  float64 `yaml:"pre_capture_seconds,omitempty"`
	PostCaptureSeconds float64 `yaml:"post_capture_seconds,omitempty"`
}

// PreCapture returns the configured pre-roll duration, defaulting to 5s.
func (r RecordConfig) PreCapture() time.Duration {
	if r.PreCaptureSeconds > 0 {
		return time.Duration(r.PreCaptureSeconds * float64(time.Second))
	}
	return 5 * time.Second
}

// PostCapture returns the configured post-roll duration, defaulting to 5s.
func (r RecordConfig) PostCapture() time.Duration {
	if r.PostCaptureSeconds > 0 {
		return time.Duration(r.PostCaptureSeconds * float64(time.Second))
	}
	return 5 * time.Second
}

// CameraRecordConfig overrides the global record policy per camera.
type CameraRecordConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
}

// SnapshotConfig is the global snapshot retention policy.
type SnapshotConfig struct {
	RetainDays int  `yaml:"retain_days,omitempty"`
	Clean      bool `yaml:"clean_copy,omitempty"`
}

// PTZConfig is a passthrough block for the external ONVIF driver.
type PTZConfig struct {
	Host string `yaml:"host"`
}

// Load reads and validates the configuration at path. A path of "" resolves
// CONFIG_FILE, falling back to DefaultConfigPath.
func Load(path string) (*NVRConfig, error) {
	if path == "" {
		path = ResolvePath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &NVRConfig{}
	// yaml.v3's decoder rejects duplicate mapping keys (e.g. two "driveway:"
	// camera entries) as a decode error, which is exactly the ConfigInvalid
	// condition scenario 6 requires — no extra strict-mode plumbing needed.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate %s: %w", path, err)
	}

	return cfg, nil
}

// ResolvePath returns CONFIG_FILE if set, else DefaultConfigPath.
func ResolvePath() string {
	if v := os.Getenv(EnvConfigFile); v != "" {
		return v
	}
	return DefaultConfigPath
}

// Validate checks structural invariants that the YAML decoder cannot enforce
// on its own (non-empty cameras, positive dimensions, valid detector refs).
func (c *NVRConfig) Validate() error {
	if len(c.Cameras) == 0 {
		return fmt.Errorf("at least one camera must be configured")
	}
	for name, cam := range c.Cameras {
		if cam == nil {
			return fmt.Errorf("camera %q: empty config", name)
		}
		if len(cam.FFmpeg.Inputs) == 0 {
			return fmt.Errorf("camera %q: no ffmpeg inputs configured", name)
		}
		if cam.Detect.Detector != "" {
			if _, ok := c.Detectors[cam.Detect.Detector]; !ok {
				return fmt.Errorf("camera %q: references unknown detector %q", name, cam.Detect.Detector)
			}
		}
		for zname, z := range cam.Zones {
			if len(z.Coordinates) < 3 {
				return fmt.Errorf("camera %q zone %q: polygon needs at least 3 points", name, zname)
			}
		}
	}
	for name, d := range c.Detectors {
		if d == nil || d.Model == "" {
			return fmt.Errorf("detector %q: model path required", name)
		}
	}
	return nil
}

// MotionFrameAlpha returns the configured background-update weight or the
// improved_motion.py default of 0.01 when unset.
func (m MotionConfig) MotionFrameAlpha() float64 {
	if m.FrameAlpha > 0 {
		return m.FrameAlpha
	}
	return 0.01
}

// StationaryThreshold returns the configured stationarity window, defaulting
// to a generous 10 minutes as frigate itself does.
func (d DetectConfig) StationaryThreshold() (px int, dur time.Duration) {
	px = d.StationaryThresholdPx
	if px == 0 {
		px = 10
	}
	secs := d.StationarySeconds
	if secs == 0 {
		secs = 600
	}
	return px, time.Duration(secs * float64(time.Second))
}
