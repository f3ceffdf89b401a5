package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is tried when no --config flag is given.
const DefaultPath = "labscan.yaml"

type Config struct {
	API      APIConfig      `yaml:"api"`
	Camera   CameraConfig   `yaml:"camera"`
	Detector DetectorConfig `yaml:"detector"`
	Session  SessionConfig  `yaml:"session"`
	Display  DisplayConfig  `yaml:"display"`
	Log      LogConfig      `yaml:"log"`
}

type APIConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
	AppType  string        `yaml:"app_type"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
}

// CameraConfig selects the frame source. Device is a camera index ("0"),
// a device path, or "ffmpeg:<input>" to read through ffmpeg.
type CameraConfig struct {
	Device   string        `yaml:"device"`
	Width    int           `yaml:"width"`
	Height   int           `yaml:"height"`
	Interval time.Duration `yaml:"interval"`
}

type DetectorConfig struct {
	Backend       string   `yaml:"backend"` // cascade | worker
	ModelPath     string   `yaml:"model_path"`
	MinFaceSize   int      `yaml:"min_face_size"`
	WorkerCommand []string `yaml:"worker_command"`
}

type SessionConfig struct {
	Cooldown      time.Duration `yaml:"cooldown"`
	AutoReset     time.Duration `yaml:"auto_reset"`
	ToastDuration time.Duration `yaml:"toast_duration"`
	FaceWindow    time.Duration `yaml:"face_window"`
	ConfirmFace   bool          `yaml:"confirm_face"`
	VerifiedBy    string        `yaml:"verified_by"`
}

type DisplayConfig struct {
	Listen string `yaml:"listen"`
	Bell   bool   `yaml:"bell"`
	Clear  bool   `yaml:"clear"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Backends accepted in detector.backend.
const (
	BackendCascade = "cascade"
	BackendWorker  = "worker"
)

func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL: "http://localhost:5234/api",
			Timeout: 10 * time.Second,
			AppType: "Desktop",
		},
		Camera: CameraConfig{
			Device:   "0",
			Width:    640,
			Height:   480,
			Interval: 150 * time.Millisecond,
		},
		Detector: DetectorConfig{
			Backend:     BackendCascade,
			ModelPath:   "models/haarcascade_frontalface_default.xml",
			MinFaceSize: 60,
		},
		Session: SessionConfig{
			Cooldown:      2 * time.Second,
			AutoReset:     10 * time.Second,
			ToastDuration: 3 * time.Second,
			FaceWindow:    2 * time.Second,
			VerifiedBy:    "Desktop",
		},
		Display: DisplayConfig{
			Bell:  true,
			Clear: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. An empty path falls back to DefaultPath
// and is not an error when that file is missing.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from LABSCAN_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("LABSCAN_API_BASE"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("LABSCAN_USERNAME"); v != "" {
		c.API.Username = v
	}
	if v := os.Getenv("LABSCAN_PASSWORD"); v != "" {
		c.API.Password = v
	}
	if v := os.Getenv("LABSCAN_DEVICE"); v != "" {
		c.Camera.Device = v
	}
	if v := os.Getenv("LABSCAN_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return errors.New("api.base_url must not be empty")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive, got %s", c.API.Timeout)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("camera resolution must be positive, got %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.Interval <= 0 {
		return fmt.Errorf("camera.interval must be positive, got %s", c.Camera.Interval)
	}
	switch c.Detector.Backend {
	case BackendCascade, BackendWorker:
	default:
		return fmt.Errorf("unknown detector backend %q (use %s or %s)", c.Detector.Backend, BackendCascade, BackendWorker)
	}
	if c.Session.Cooldown < 0 || c.Session.Cooldown > time.Minute {
		return fmt.Errorf("session.cooldown must be between 0s and 60s, got %s", c.Session.Cooldown)
	}
	if c.Session.AutoReset <= 0 {
		return fmt.Errorf("session.auto_reset must be positive, got %s", c.Session.AutoReset)
	}
	// A rearm before the cooldown ends would record a still-shown code as
	// already read while the debounce drops it.
	if c.Session.AutoReset < c.Session.Cooldown {
		return fmt.Errorf("session.auto_reset (%s) must not be shorter than session.cooldown (%s)", c.Session.AutoReset, c.Session.Cooldown)
	}
	if c.Session.ToastDuration <= 0 {
		return fmt.Errorf("session.toast_duration must be positive, got %s", c.Session.ToastDuration)
	}
	if c.Session.FaceWindow <= 0 {
		return fmt.Errorf("session.face_window must be positive, got %s", c.Session.FaceWindow)
	}
	return nil
}
