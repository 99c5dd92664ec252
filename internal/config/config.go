package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Backend identifiers accepted in VOXKEY_BACKEND.
const (
	BackendDeepgram = "deepgram"
	BackendGoogle   = "google"
)

// Config holds all configuration for the voxkey daemon
type Config struct {
	// Transcription backend selection: "deepgram" or "google"
	Backend string `envconfig:"VOXKEY_BACKEND" default:"deepgram"`

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// Google Speech-to-Text configuration (credentials come from ADC)
	GoogleLanguage string `envconfig:"VOXKEY_GOOGLE_LANGUAGE" default:"en-US"`

	// Audio capture configuration
	SampleRate      int `envconfig:"VOXKEY_SAMPLE_RATE" default:"16000"`
	Channels        int `envconfig:"VOXKEY_CHANNELS" default:"1"`
	FramesPerBuffer int `envconfig:"VOXKEY_FRAMES_PER_BUFFER" default:"1024"`

	// Push-to-talk trigger key. TriggerDevice is a Linux evdev node; when
	// empty, edges are only accepted over the control websocket.
	TriggerDevice string `envconfig:"VOXKEY_TRIGGER_DEVICE" default:""`
	TriggerKey    uint16 `envconfig:"VOXKEY_TRIGGER_KEY" default:"97"` // KEY_RIGHTCTRL

	// Text injection command; transcript deltas are piped to its stdin.
	InjectCommand string `envconfig:"VOXKEY_INJECT_COMMAND" default:"wtype -"`

	// Session behavior
	HistorySize int `envconfig:"VOXKEY_HISTORY_SIZE" default:"3"`

	// Audible start/stop cues and desktop notifications
	FeedbackEnabled bool `envconfig:"VOXKEY_FEEDBACK_ENABLED" default:"true"`

	// Control/status HTTP listener
	ListenAddr string `envconfig:"VOXKEY_LISTEN_ADDR" default:"127.0.0.1:8477"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	TriggerOpenMaxAttempts     int `envconfig:"VOXKEY_TRIGGER_OPEN_MAX_ATTEMPTS" default:"3"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables.
// It first attempts to load from a .env file if one exists, then from the
// environment, and validates the selected backend's requirements.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load a .env file.
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case BackendDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when VOXKEY_BACKEND=deepgram")
		}
	case BackendGoogle:
		// Google credentials are resolved by the client library (ADC).
	default:
		return fmt.Errorf("unknown transcription backend %q", c.Backend)
	}

	if c.SampleRate <= 0 {
		return fmt.Errorf("VOXKEY_SAMPLE_RATE must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("VOXKEY_CHANNELS must be positive, got %d", c.Channels)
	}
	if c.HistorySize <= 0 {
		return fmt.Errorf("VOXKEY_HISTORY_SIZE must be positive, got %d", c.HistorySize)
	}
	if strings.TrimSpace(c.InjectCommand) == "" {
		return fmt.Errorf("VOXKEY_INJECT_COMMAND must not be empty")
	}

	return nil
}

// InjectArgv splits the configured injection command into argv form.
func (c *Config) InjectArgv() []string {
	return strings.Fields(c.InjectCommand)
}
