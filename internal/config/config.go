package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Engine names accepted by the engine override.
const (
	EngineSherpa     = "sherpa-onnx"
	EngineAssemblyAI = "assemblyai"
	EngineDeepgram   = "deepgram"
)

// Capture modes for the local engine.
const (
	CaptureAuto       = "auto"
	CaptureAlwaysOn   = "always-on"
	CapturePushToTalk = "push-to-talk"
)

type Config struct {
	Session   string `mapstructure:"session" json:"session"`
	Socket    string `mapstructure:"socket" json:"socket"`
	Engine    string `mapstructure:"engine" json:"engine"` // empty selects automatically
	Prewarm   string `mapstructure:"prewarm" json:"prewarm"`
	Capture   string `mapstructure:"capture" json:"capture"`
	LogLevel  string `mapstructure:"log_level" json:"log_level"`
	ModelsDir string `mapstructure:"models_dir" json:"models_dir"`

	Audio      AudioConfig      `mapstructure:"audio" json:"audio"`
	Sherpa     SherpaConfig     `mapstructure:"sherpa" json:"sherpa"`
	Endpoint   EndpointConfig   `mapstructure:"endpoint" json:"endpoint"`
	HUD        HUDConfig        `mapstructure:"hud" json:"hud"`
	Inject     InjectConfig     `mapstructure:"inject" json:"inject"`
	AssemblyAI AssemblyAIConfig `mapstructure:"assemblyai" json:"assemblyai"`
	Deepgram   DeepgramConfig   `mapstructure:"deepgram" json:"deepgram"`
}

type AudioConfig struct {
	Backend          string  `mapstructure:"backend" json:"backend"` // "portaudio" or "pulse"
	DeviceID         string  `mapstructure:"device" json:"device"`
	Channels         int     `mapstructure:"channels" json:"channels"`
	SampleRate       int     `mapstructure:"sample_rate" json:"sample_rate"`
	ChunkMS          int     `mapstructure:"chunk_ms" json:"chunk_ms"`
	PrebufferSeconds float64 `mapstructure:"prebuffer_seconds" json:"prebuffer_seconds"`
}

type SherpaConfig struct {
	Encoder  string `mapstructure:"encoder" json:"encoder"`
	Decoder  string `mapstructure:"decoder" json:"decoder"`
	Joiner   string `mapstructure:"joiner" json:"joiner"`
	Tokens   string `mapstructure:"tokens" json:"tokens"`
	Provider string `mapstructure:"provider" json:"provider"`
	Threads  int    `mapstructure:"threads" json:"threads"`
	Decoding string `mapstructure:"decoding" json:"decoding"`
}

// HasModel reports whether any model path was configured explicitly.
func (s SherpaConfig) HasModel() bool {
	return s.Encoder != "" || s.Decoder != "" || s.Joiner != "" || s.Tokens != ""
}

type EndpointConfig struct {
	Rule1Seconds        float64 `mapstructure:"rule1_seconds" json:"rule1_seconds"`
	Rule2Seconds        float64 `mapstructure:"rule2_seconds" json:"rule2_seconds"`
	MinUtteranceSeconds float64 `mapstructure:"min_utterance_seconds" json:"min_utterance_seconds"`
	SilenceRMS          float64 `mapstructure:"silence_rms" json:"silence_rms"`
}

type HUDConfig struct {
	Enabled           bool    `mapstructure:"enabled" json:"enabled"`
	ThrottleMS        int     `mapstructure:"throttle_ms" json:"throttle_ms"`
	Width             int     `mapstructure:"width" json:"width"`
	ErrorClearSeconds float64 `mapstructure:"error_clear_seconds" json:"error_clear_seconds"`
}

type InjectConfig struct {
	PreferPaste       bool `mapstructure:"prefer_paste" json:"prefer_paste"`
	ClipboardFallback bool `mapstructure:"clipboard_fallback" json:"clipboard_fallback"`
}

type AssemblyAIConfig struct {
	APIKey string `mapstructure:"api_key" json:"api_key"`
	URL    string `mapstructure:"url" json:"url"`
}

type DeepgramConfig struct {
	APIKey string `mapstructure:"api_key" json:"api_key"`
	URL    string `mapstructure:"url" json:"url"`
	Model  string `mapstructure:"model" json:"model"`
}

// legacy environment names that do not follow the LISTEN_<KEY> scheme
var envAliases = map[string][]string{
	"audio.sample_rate":              {"LISTEN_AUDIO_SAMPLE_RATE", "LISTEN_SAMPLE_RATE"},
	"audio.chunk_ms":                 {"LISTEN_AUDIO_CHUNK_MS", "LISTEN_CHUNK_MS"},
	"endpoint.rule1_seconds":         {"LISTEN_ENDPOINT_RULE1_SECONDS", "LISTEN_SHERPA_RULE1"},
	"endpoint.rule2_seconds":         {"LISTEN_ENDPOINT_RULE2_SECONDS", "LISTEN_SHERPA_RULE2"},
	"endpoint.min_utterance_seconds": {"LISTEN_ENDPOINT_MIN_UTTERANCE_SECONDS", "LISTEN_SHERPA_MIN_UTTERANCE"},
	"assemblyai.api_key":             {"LISTEN_ASSEMBLYAI_API_KEY", "ASSEMBLYAI_API_KEY"},
	"deepgram.api_key":               {"LISTEN_DEEPGRAM_API_KEY", "DEEPGRAM_API_KEY"},
}

// legacyMinUtteranceMS is the oldest name for endpoint.min_utterance_seconds,
// given in milliseconds. The seconds-based names win when both are set.
const legacyMinUtteranceMS = "LISTEN_SHERPA_RULE3"

func setDefaults(v *viper.Viper) {
	v.SetDefault("session", "")
	v.SetDefault("socket", "")
	v.SetDefault("engine", "")
	v.SetDefault("prewarm", "auto")
	v.SetDefault("capture", CaptureAuto)
	v.SetDefault("log_level", "info")
	v.SetDefault("models_dir", ModelsPath())

	v.SetDefault("audio.backend", "portaudio")
	v.SetDefault("audio.device", "")
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.sample_rate", 48000)
	v.SetDefault("audio.chunk_ms", 100)
	v.SetDefault("audio.prebuffer_seconds", 1.0)

	v.SetDefault("sherpa.encoder", "")
	v.SetDefault("sherpa.decoder", "")
	v.SetDefault("sherpa.joiner", "")
	v.SetDefault("sherpa.tokens", "")
	v.SetDefault("sherpa.provider", "cpu")
	v.SetDefault("sherpa.threads", 1)
	v.SetDefault("sherpa.decoding", "greedy_search")

	v.SetDefault("endpoint.rule1_seconds", 2.4)
	v.SetDefault("endpoint.rule2_seconds", 1.2)
	v.SetDefault("endpoint.min_utterance_seconds", 0.3)
	v.SetDefault("endpoint.silence_rms", 0.01)

	v.SetDefault("hud.enabled", true)
	v.SetDefault("hud.throttle_ms", 75)
	v.SetDefault("hud.width", 60)
	v.SetDefault("hud.error_clear_seconds", 3.0)

	v.SetDefault("inject.prefer_paste", true)
	v.SetDefault("inject.clipboard_fallback", true)

	v.SetDefault("assemblyai.api_key", "")
	v.SetDefault("assemblyai.url", "")
	v.SetDefault("deepgram.api_key", "")
	v.SetDefault("deepgram.url", "")
	v.SetDefault("deepgram.model", "nova-2")
}

// Load reads the config file, if any, and the environment. An empty path
// looks for config.yaml in the platform config directory; a missing default
// file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LISTEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envAliases {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := applyLegacyMillis(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyLegacyMillis(cfg *Config) error {
	raw := os.Getenv(legacyMinUtteranceMS)
	if raw == "" {
		return nil
	}
	for _, name := range envAliases["endpoint.min_utterance_seconds"] {
		if os.Getenv(name) != "" {
			return nil
		}
	}
	ms, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", legacyMinUtteranceMS, raw, err)
	}
	cfg.Endpoint.MinUtteranceSeconds = ms / 1000
	return nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if c.Audio.SampleRate <= 0 {
		problems = append(problems, fmt.Sprintf("audio.sample_rate must be positive, got %d", c.Audio.SampleRate))
	}
	if c.Audio.ChunkMS <= 0 {
		problems = append(problems, fmt.Sprintf("audio.chunk_ms must be positive, got %d", c.Audio.ChunkMS))
	}
	if c.Audio.Channels <= 0 {
		problems = append(problems, fmt.Sprintf("audio.channels must be positive, got %d", c.Audio.Channels))
	}
	if c.Audio.PrebufferSeconds < 0 {
		problems = append(problems, "audio.prebuffer_seconds must not be negative")
	}
	if c.HUD.Width <= 1 {
		problems = append(problems, fmt.Sprintf("hud.width must be greater than 1, got %d", c.HUD.Width))
	}
	if c.HUD.ThrottleMS < 0 {
		problems = append(problems, "hud.throttle_ms must not be negative")
	}

	check := func(key, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		problems = append(problems, fmt.Sprintf("%s: unknown value %q (want one of %s)", key, value, strings.Join(allowed, ", ")))
	}
	check("prewarm", c.Prewarm, "auto", "always", "never")
	check("capture", c.Capture, CaptureAuto, CaptureAlwaysOn, CapturePushToTalk)
	check("audio.backend", c.Audio.Backend, "portaudio", "pulse")
	check("engine", c.Engine, "", EngineSherpa, EngineAssemblyAI, EngineDeepgram)

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.AssemblyAI.APIKey != "" {
		c.AssemblyAI.APIKey = "********"
	}
	if c.Deepgram.APIKey != "" {
		c.Deepgram.APIKey = "********"
	}
	return c
}

// Seconds converts a fractional seconds setting.
func Seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

// configDir returns the platform-specific config directory
func configDir() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "listen")
}

// ModelsPath returns the platform-specific models directory path
func ModelsPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("LOCALAPPDATA")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.local/share"
		}
	}

	return filepath.Join(base, "listen", "models")
}
