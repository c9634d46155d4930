package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "90s".
type Duration time.Duration

// UnmarshalYAML parses the duration from its string form.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Auth holds the static bearer tokens recognized by the server. Identity and
// ACL management proper live outside the scheduler; this is the minimal
// authenticated-identity check the core consumes.
type Auth struct {
	// BotTokens authenticate bot endpoints.
	BotTokens []string `yaml:"bot_tokens"`
	// UserTokens authenticate client endpoints at normal privilege.
	UserTokens []string `yaml:"user_tokens"`
	// AdminTokens authenticate client endpoints at privileged level:
	// priorities below 100, cancel of running tasks, bot administration.
	AdminTokens []string `yaml:"admin_tokens"`
}

// Server configures the scheduler service.
type Server struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// BotVersion is the bot code version the server expects; bots reporting
	// anything else are told to update.
	BotVersion string `yaml:"bot_version"`

	// ChunkSize is the fixed size of task output chunks in bytes.
	ChunkSize int `yaml:"chunk_size"`
	// MaxCandidates bounds the queue fan-out examined per bot poll.
	MaxCandidates int `yaml:"max_candidates"`

	// BotDeathTimeout is how long a running task may go without an update
	// before the sweeper declares BOT_DIED.
	BotDeathTimeout Duration `yaml:"bot_death_timeout"`
	// SweepInterval is the period of the expiration/timeout sweeper.
	SweepInterval Duration `yaml:"sweep_interval"`
	// ReservationGrace is how long a claimed-but-unreserved queue entry may
	// linger before the sweeper reopens it.
	ReservationGrace Duration `yaml:"reservation_grace"`
	// MaxBotUptime is how long a bot may run before its next poll returns a
	// restart command.
	MaxBotUptime Duration `yaml:"max_bot_uptime"`

	Auth Auth `yaml:"auth"`
}

// Bot configures the bot agent.
type Bot struct {
	ServerURL  string              `yaml:"server_url"`
	BotID      string              `yaml:"bot_id"`
	Token      string              `yaml:"token"`
	WorkDir    string              `yaml:"work_dir"`
	Dimensions map[string][]string `yaml:"dimensions"`
	Version    string              `yaml:"version"`
	LogLevel   string              `yaml:"log_level"`
}

// DefaultServer returns the server configuration defaults.
func DefaultServer() *Server {
	return &Server{
		ListenAddr:       "127.0.0.1:8080",
		DataDir:          "./hive-data",
		LogLevel:         "info",
		BotVersion:       "dev",
		ChunkSize:        100 * 1024,
		MaxCandidates:    50,
		BotDeathTimeout:  Duration(10 * time.Minute),
		SweepInterval:    Duration(time.Minute),
		ReservationGrace: Duration(2 * time.Minute),
		MaxBotUptime:     Duration(24 * time.Hour),
	}
}

// LoadServer reads a server configuration file over the defaults. An empty
// path returns the defaults unchanged.
func LoadServer(path string) (*Server, error) {
	cfg := DefaultServer()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the scheduler cannot run with.
func (s *Server) Validate() error {
	if s.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", s.ChunkSize)
	}
	if s.MaxCandidates <= 0 {
		return fmt.Errorf("max_candidates must be positive, got %d", s.MaxCandidates)
	}
	if s.BotDeathTimeout.Std() <= 0 {
		return fmt.Errorf("bot_death_timeout must be positive")
	}
	if s.SweepInterval.Std() <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	return nil
}

// DefaultBot returns the bot agent configuration defaults.
func DefaultBot() *Bot {
	return &Bot{
		ServerURL: "http://127.0.0.1:8080",
		WorkDir:   "./hive-bot",
		Version:   "dev",
		LogLevel:  "info",
	}
}

// LoadBot reads a bot configuration file over the defaults.
func LoadBot(path string) (*Bot, error) {
	cfg := DefaultBot()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.BotID == "" {
		return nil, fmt.Errorf("bot_id is required")
	}
	return cfg, nil
}
