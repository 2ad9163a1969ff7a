package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"

	"github.com/peterje/ptyd/internal/launch"
	"github.com/peterje/ptyd/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. PTYD_LOG_LEVEL.
const EnvPrefix = "ptyd"

// Config holds daemon configuration.
type Config struct {
	DataDir string `toml:"data_dir" split_words:"true"`
	Shell   string `toml:"shell"`

	AgentBinary    string `toml:"agent_binary" split_words:"true"`
	ResumeFlag     string `toml:"resume_flag" split_words:"true"`
	AgentDataRoot  string `toml:"agent_data_root" split_words:"true"`
	SessionFileExt string `toml:"session_file_ext" split_words:"true"`
	Multiplexer    string `toml:"multiplexer"`
	MuxPrefix      string `toml:"mux_prefix" split_words:"true"`

	ListenAddr  string `toml:"listen_addr" split_words:"true"`
	BridgeToken string `toml:"bridge_token" split_words:"true"`
	LogLevel    string `toml:"log_level" split_words:"true"`
	LogDev      bool   `toml:"log_dev" split_words:"true"`
}

// ErrExposedBridge is returned by Validate for a bridge reachable from other
// hosts without a token.
var ErrExposedBridge = errors.New("listen_addr is not loopback; set bridge_token")

// Validate checks settings that only matter to the daemon.
func (c *Config) Validate() error {
	if c.ListenAddr == "" || c.BridgeToken != "" {
		return nil
	}
	host, _, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return fmt.Errorf("invalid listen_addr %q: %w", c.ListenAddr, err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("%w (%s)", ErrExposedBridge, c.ListenAddr)
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	planner := launch.DefaultPlanner()
	files := launch.DefaultSessionFiles()

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/zsh"
	}

	return &Config{
		DataDir:        filepath.Join(home, ".ptyd"),
		Shell:          shell,
		AgentBinary:    planner.Agent,
		ResumeFlag:     planner.ResumeFlag,
		AgentDataRoot:  files.Root,
		SessionFileExt: files.Ext,
		Multiplexer:    planner.Multiplexer,
		MuxPrefix:      planner.MuxPrefix,
		LogLevel:       "info",
	}
}

// Load layers defaults, the TOML file at path and the environment. A missing
// file is not an error; pass "" to use <DataDir>/config.toml.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.toml")
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// Planner builds the launch planner described by cfg.
func (c *Config) Planner() launch.Planner {
	return launch.Planner{
		Agent:       c.AgentBinary,
		ResumeFlag:  c.ResumeFlag,
		Multiplexer: c.Multiplexer,
		MuxPrefix:   c.MuxPrefix,
	}
}

// SessionFiles builds the resume-target locator described by cfg.
func (c *Config) SessionFiles() launch.SessionFiles {
	return launch.SessionFiles{Root: c.AgentDataRoot, Ext: c.SessionFileExt}
}

// Logging builds the logger configuration described by cfg.
func (c *Config) Logging() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = c.LogLevel
	lc.Development = c.LogDev
	return lc
}

// SocketPath is where the daemon listens.
func (c *Config) SocketPath() string {
	return filepath.Join(c.DataDir, "ptyd.sock")
}

// LockPath guards against two daemons sharing DataDir.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "ptyd.lock")
}
