package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/flowsync/internal/consts"
	"github.com/codefionn/flowsync/internal/secrets"
)

const appName = "flowsync"

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Addr                   string   `json:"addr"`
	CollabPath             string   `json:"collab_path"`               // WebSocket endpoint for collaboration
	AllowedOrigins         []string `json:"allowed_origins,omitempty"` // empty allows every origin
	ReadTimeoutSeconds     int      `json:"read_timeout_seconds"`
	WriteTimeoutSeconds    int      `json:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int      `json:"shutdown_timeout_seconds"`
}

// CollabConfig tunes the collaboration engine and its connections
type CollabConfig struct {
	MailboxSize      int   `json:"mailbox_size"`
	SendBufferSize   int   `json:"send_buffer_size"`
	MaxMessageSize   int64 `json:"max_message_size"`
	PongWaitSeconds  int   `json:"pong_wait_seconds"`
	WriteWaitSeconds int   `json:"write_wait_seconds"`
}

// DatabaseConfig points at the SQLite record store
type DatabaseConfig struct {
	Path string `json:"path"`
}

// AnalyzerConfig selects the content analyzer provider
type AnalyzerConfig struct {
	Provider       string `json:"provider"` // "gemini", "openai", or "" to disable
	Model          string `json:"model"`
	APIKey         string `json:"api_key,omitempty"` // may be sealed with "enc:"
	BaseURL        string `json:"base_url,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// MediaConfig locates the ffmpeg toolchain
type MediaConfig struct {
	FFmpegPath     string `json:"ffmpeg_path"`
	FFprobePath    string `json:"ffprobe_path"`
	WorkDir        string `json:"work_dir"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Config represents application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Collab   CollabConfig   `json:"collaboration"`
	Database DatabaseConfig `json:"database"`
	Analyzer AnalyzerConfig `json:"analyzer"`
	Media    MediaConfig    `json:"media"`
	LogLevel string         `json:"log_level"` // debug, info, warn, error, none
	LogPath  string         `json:"log_path"`  // file path or "stderr"
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", appName)
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", appName)
	default:
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", appName)
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	stateDir := defaultStateDir()

	return &Config{
		Server: ServerConfig{
			Addr:                   "localhost:8937",
			CollabPath:             "/ws/collaboration",
			ReadTimeoutSeconds:     60,
			WriteTimeoutSeconds:    60,
			ShutdownTimeoutSeconds: 5,
		},
		Collab: CollabConfig{
			MailboxSize:      consts.DefaultMailboxSize,
			SendBufferSize:   consts.DefaultSendBuffer,
			MaxMessageSize:   consts.DefaultMaxMessageSize,
			PongWaitSeconds:  60,
			WriteWaitSeconds: 10,
		},
		Database: DatabaseConfig{
			Path: filepath.Join(stateDir, "flowsync.db"),
		},
		Analyzer: AnalyzerConfig{
			Provider:       "",
			Model:          "gemini-2.5-flash",
			TimeoutSeconds: 120,
		},
		Media: MediaConfig{
			FFmpegPath:     "ffmpeg",
			FFprobePath:    "ffprobe",
			WorkDir:        filepath.Join(os.TempDir(), appName),
			TimeoutSeconds: 600,
		},
		LogLevel: "info",
		LogPath:  "stderr",
	}
}

// Load loads configuration from file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Unmarshal into the defaults so only provided fields are overridden
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.fillDefaults()
	return cfg, nil
}

// fillDefaults restores defaults for fields explicitly zeroed in the file.
func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Server.CollabPath == "" {
		c.Server.CollabPath = def.Server.CollabPath
	}
	if c.Collab.MailboxSize <= 0 {
		c.Collab.MailboxSize = def.Collab.MailboxSize
	}
	if c.Collab.SendBufferSize <= 0 {
		c.Collab.SendBufferSize = def.Collab.SendBufferSize
	}
	if c.Collab.MaxMessageSize <= 0 {
		c.Collab.MaxMessageSize = def.Collab.MaxMessageSize
	}
	if c.Collab.PongWaitSeconds <= 0 {
		c.Collab.PongWaitSeconds = def.Collab.PongWaitSeconds
	}
	if c.Collab.WriteWaitSeconds <= 0 {
		c.Collab.WriteWaitSeconds = def.Collab.WriteWaitSeconds
	}
	if c.Database.Path == "" {
		c.Database.Path = def.Database.Path
	}
	if c.Media.FFmpegPath == "" {
		c.Media.FFmpegPath = def.Media.FFmpegPath
	}
	if c.Media.FFprobePath == "" {
		c.Media.FFprobePath = def.Media.FFprobePath
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogPath == "" {
		c.LogPath = def.LogPath
	}
}

// ApplyEnv overrides configuration values from FLOWSYNC_* environment variables.
func (c *Config) ApplyEnv() error {
	setString := func(name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	setString("FLOWSYNC_ADDR", &c.Server.Addr)
	setString("FLOWSYNC_COLLAB_PATH", &c.Server.CollabPath)
	setString("FLOWSYNC_DB_PATH", &c.Database.Path)
	setString("FLOWSYNC_LOG_LEVEL", &c.LogLevel)
	setString("FLOWSYNC_LOG_PATH", &c.LogPath)
	setString("FLOWSYNC_ANALYZER_PROVIDER", &c.Analyzer.Provider)
	setString("FLOWSYNC_ANALYZER_MODEL", &c.Analyzer.Model)
	setString("FLOWSYNC_ANALYZER_API_KEY", &c.Analyzer.APIKey)
	setString("FLOWSYNC_ANALYZER_BASE_URL", &c.Analyzer.BaseURL)
	setString("FLOWSYNC_FFMPEG", &c.Media.FFmpegPath)
	setString("FLOWSYNC_FFPROBE", &c.Media.FFprobePath)

	if v := strings.TrimSpace(os.Getenv("FLOWSYNC_ALLOWED_ORIGINS")); v != "" {
		origins := strings.Split(v, ",")
		c.Server.AllowedOrigins = c.Server.AllowedOrigins[:0]
		for _, o := range origins {
			if o = strings.TrimSpace(o); o != "" {
				c.Server.AllowedOrigins = append(c.Server.AllowedOrigins, o)
			}
		}
	}
	if v := strings.TrimSpace(os.Getenv("FLOWSYNC_MAILBOX_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FLOWSYNC_MAILBOX_SIZE: %w", err)
		}
		c.Collab.MailboxSize = n
	}
	return nil
}

// Validate reports configuration errors that would prevent the server from starting.
func (c *Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.Server.CollabPath, "/") {
		errs = append(errs, fmt.Errorf("server.collab_path must start with '/': %q", c.Server.CollabPath))
	}
	if c.Collab.MailboxSize <= 0 {
		errs = append(errs, errors.New("collaboration.mailbox_size must be positive"))
	}
	if c.Collab.SendBufferSize <= 0 {
		errs = append(errs, errors.New("collaboration.send_buffer_size must be positive"))
	}
	if c.Collab.WriteWaitSeconds >= c.Collab.PongWaitSeconds {
		errs = append(errs, errors.New("collaboration.write_wait_seconds must be below pong_wait_seconds"))
	}
	switch c.Analyzer.Provider {
	case "", "gemini", "openai":
	default:
		errs = append(errs, fmt.Errorf("analyzer.provider %q is not supported", c.Analyzer.Provider))
	}
	return errors.Join(errs...)
}

// OpenSecrets replaces sealed fields with their plain-text values.
func (c *Config) OpenSecrets(password string) error {
	key, err := secrets.Open(c.Analyzer.APIKey, password)
	if err != nil {
		return fmt.Errorf("analyzer.api_key: %w", err)
	}
	c.Analyzer.APIKey = key
	return nil
}

// PongWait is the heartbeat deadline for collaboration connections.
func (c *Config) PongWait() time.Duration {
	return time.Duration(c.Collab.PongWaitSeconds) * time.Second
}

// WriteWait bounds a single WebSocket write.
func (c *Config) WriteWait() time.Duration {
	return time.Duration(c.Collab.WriteWaitSeconds) * time.Second
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}
