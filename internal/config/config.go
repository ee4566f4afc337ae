package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	ClipsDir string `toml:"clips_dir"`
	LogFile  string `toml:"log_file"`
}

// Search contains phrase matching parameters.
type Search struct {
	MinSilence           float64 `toml:"min_silence"`
	MaxSilence           float64 `toml:"max_silence"`
	SilenceWordThreshold int     `toml:"silence_word_threshold"`
	MaxResultsPerSegment int     `toml:"max_results_per_segment"`
}

// Render contains clip export parameters.
type Render struct {
	StartPadding         float64 `toml:"start_padding"`
	EndPadding           float64 `toml:"end_padding"`
	GPUStreams           int     `toml:"gpu_streams"`
	Workers              int     `toml:"workers"`
	EncodeTimeoutSeconds int     `toml:"encode_timeout_seconds"`
	FFmpegPath           string  `toml:"ffmpeg_path"`
	FFprobePath          string  `toml:"ffprobe_path"`
}

// Story contains LLM settings for the story planner.
type Story struct {
	Model          string `toml:"model"`
	APIKeyEnv      string `toml:"api_key_env"`
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Logging contains log output configuration.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config encapsulates all configuration values for phrasecut.
type Config struct {
	Paths   Paths   `toml:"paths"`
	Search  Search  `toml:"search"`
	Render  Render  `toml:"render"`
	Story   Story   `toml:"story"`
	Logging Logging `toml:"logging"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Paths: Paths{
			ClipsDir: defaultClipsDir(),
		},
		Search: Search{
			MinSilence:           0.0,
			MaxSilence:           10.0,
			SilenceWordThreshold: 2,
			MaxResultsPerSegment: 25,
		},
		Render: Render{
			StartPadding:         0.45,
			EndPadding:           0.45,
			GPUStreams:           2,
			Workers:              0,
			EncodeTimeoutSeconds: 300,
			FFmpegPath:           "ffmpeg",
			FFprobePath:          "ffprobe",
		},
		Story: Story{
			Model:          "gpt-4o-mini",
			APIKeyEnv:      "OPENAI_API_KEY",
			TimeoutSeconds: 120,
		},
		Logging: Logging{
			Level:  "info",
			Format: "auto",
		},
	}
}

// DefaultConfigPath returns the absolute path to the default configuration
// file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/phrasecut/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. A missing file is not
// an error; built-in defaults apply.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("phrasecut.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.ClipsDir, err = expandPath(strings.TrimSpace(c.Paths.ClipsDir)); err != nil {
		return err
	}
	if c.Paths.ClipsDir == "" {
		c.Paths.ClipsDir = defaultClipsDir()
	}
	if c.Paths.LogFile != "" {
		if c.Paths.LogFile, err = expandPath(strings.TrimSpace(c.Paths.LogFile)); err != nil {
			return err
		}
	}

	if c.Search.SilenceWordThreshold < 1 {
		c.Search.SilenceWordThreshold = 1
	}
	if c.Search.MaxResultsPerSegment <= 0 {
		c.Search.MaxResultsPerSegment = 25
	}
	if c.Search.MaxSilence < c.Search.MinSilence {
		c.Search.MaxSilence = c.Search.MinSilence
	}

	if c.Render.EncodeTimeoutSeconds <= 0 {
		c.Render.EncodeTimeoutSeconds = 300
	}
	if c.Render.FFmpegPath = strings.TrimSpace(c.Render.FFmpegPath); c.Render.FFmpegPath == "" {
		c.Render.FFmpegPath = "ffmpeg"
	}
	if c.Render.FFprobePath = strings.TrimSpace(c.Render.FFprobePath); c.Render.FFprobePath == "" {
		c.Render.FFprobePath = "ffprobe"
	}

	if c.Story.APIKeyEnv = strings.TrimSpace(c.Story.APIKeyEnv); c.Story.APIKeyEnv == "" {
		c.Story.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.Story.Model = strings.TrimSpace(c.Story.Model); c.Story.Model == "" {
		c.Story.Model = "gpt-4o-mini"
	}
	if c.Story.TimeoutSeconds <= 0 {
		c.Story.TimeoutSeconds = 120
	}
	return nil
}

// Validate reports the first configuration value that is out of range.
func (c *Config) Validate() error {
	if c.Search.MinSilence < 0 {
		return fmt.Errorf("search.min_silence must be >= 0, got %v", c.Search.MinSilence)
	}
	if c.Search.MaxSilence < c.Search.MinSilence {
		return fmt.Errorf("search.max_silence must be >= min_silence")
	}
	if c.Render.StartPadding < 0 || c.Render.EndPadding < 0 {
		return fmt.Errorf("render paddings must be >= 0")
	}
	if c.Render.GPUStreams < 0 {
		return fmt.Errorf("render.gpu_streams must be >= 0, got %d", c.Render.GPUStreams)
	}
	if c.Render.Workers < 0 {
		return fmt.Errorf("render.workers must be >= 0, got %d", c.Render.Workers)
	}
	return nil
}

// EnsureDirectories creates the clips directory.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Paths.ClipsDir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", c.Paths.ClipsDir, err)
	}
	return nil
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

func defaultClipsDir() string {
	if base, ok := os.LookupEnv("XDG_CACHE_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "phrasecut", "clips")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "clips")
	}
	return filepath.Join(home, ".cache", "phrasecut", "clips")
}
