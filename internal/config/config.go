// Package config loads taskgraph settings from defaults, an optional YAML
// file and TASKGRAPH_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/me/taskgraph/internal/logging"
	"github.com/me/taskgraph/internal/runner"
	"github.com/me/taskgraph/internal/scheduler"
	"github.com/me/taskgraph/internal/workspace"
	"github.com/me/taskgraph/pkg/model"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TASKGRAPH_"

// ShellWorker is always registered and runs each step's task text with sh.
const ShellWorker = "shell"

// Config holds configuration for the taskgraph CLI and server.
type Config struct {
	LogLevel  string `yaml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `yaml:"log_format"` // Log format: text, json

	// Resume picks the newest checkpoint of the resumed workflow, but rotation
	// counts every checkpoint in the directory. Give workflows that run side
	// by side their own checkpoint_dir.
	CheckpointDir  string `yaml:"checkpoint_dir"`
	MaxCheckpoints int    `yaml:"max_checkpoints"`
	DBPath         string `yaml:"db_path"` // Run history database (default ~/.taskgraph/history.db, ":memory:" for testing)

	Mode            string `yaml:"mode"`
	MaxParallel     int    `yaml:"max_parallel"`
	MaxAttempts     int    `yaml:"max_attempts"`
	ExhaustedPolicy string `yaml:"exhausted_policy"`
	CheckpointEvery int    `yaml:"checkpoint_every"`
	Workspace       string `yaml:"workspace"` // Overrides the workflow's default_workspace
	WorkspaceMode   string `yaml:"workspace_mode"`

	Addr string `yaml:"addr"` // Listen address for serve

	// Workers maps worker names used in workflow files to commands.
	Workers map[string]WorkerConfig `yaml:"workers"`
}

// WorkerConfig describes a command-backed worker.
type WorkerConfig struct {
	// Command is run with the shell; empty runs each step's task text.
	Command string            `yaml:"command"`
	Shell   string            `yaml:"shell"`
	Env     map[string]string `yaml:"env"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel:        "info",
		LogFormat:       "text",
		CheckpointDir:   "./checkpoints",
		MaxCheckpoints:  10,
		Mode:            string(scheduler.ModeBatched),
		MaxAttempts:     3,
		ExhaustedPolicy: string(model.FailurePolicyStop),
		CheckpointEvery: 1,
		WorkspaceMode:   string(workspace.ModeShared),
		Addr:            ":8080",
	}
}

// LoadFile reads a YAML config file over the defaults. Unknown keys are
// rejected.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Load returns the defaults overlaid with path (when non-empty) and the
// environment, validated.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv applies TASKGRAPH_* overrides using lookup, normally
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LOG_LEVEL":        &c.LogLevel,
		"LOG_FORMAT":       &c.LogFormat,
		"CHECKPOINT_DIR":   &c.CheckpointDir,
		"DB_PATH":          &c.DBPath,
		"MODE":             &c.Mode,
		"EXHAUSTED_POLICY": &c.ExhaustedPolicy,
		"WORKSPACE":        &c.Workspace,
		"WORKSPACE_MODE":   &c.WorkspaceMode,
		"ADDR":             &c.Addr,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"MAX_CHECKPOINTS":  &c.MaxCheckpoints,
		"MAX_PARALLEL":     &c.MaxParallel,
		"MAX_ATTEMPTS":     &c.MaxAttempts,
		"CHECKPOINT_EVERY": &c.CheckpointEvery,
	}
	for key, dst := range ints {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %q is not an integer", EnvPrefix, key, v)
		}
		*dst = n
	}
	return nil
}

// Validate rejects unknown modes and policies and out-of-range limits.
func (c Config) Validate() error {
	var problems []string
	if !logging.ValidFormat(c.LogFormat) {
		problems = append(problems, fmt.Sprintf("log_format must be text or json, got %q", c.LogFormat))
	}
	if _, ok := logging.LookupLevel(c.LogLevel); !ok {
		problems = append(problems, fmt.Sprintf("log_level must be debug, info, warn or error, got %q", c.LogLevel))
	}
	if c.MaxCheckpoints < 1 {
		problems = append(problems, fmt.Sprintf("max_checkpoints must be >= 1, got %d", c.MaxCheckpoints))
	}
	if c.CheckpointDir == "" {
		problems = append(problems, "checkpoint_dir must not be empty")
	}
	if err := c.SchedulerConfig().Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	for name := range c.Workers {
		if strings.TrimSpace(name) == "" {
			problems = append(problems, "worker names must not be empty")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// SchedulerConfig converts the scheduling fields.
func (c Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Mode:            scheduler.Mode(c.Mode),
		MaxParallel:     c.MaxParallel,
		MaxAttempts:     c.MaxAttempts,
		ExhaustedPolicy: model.FailurePolicy(c.ExhaustedPolicy),
		CheckpointEvery: c.CheckpointEvery,
		Workspace:       c.Workspace,
		WorkspaceMode:   workspace.Mode(c.WorkspaceMode),
	}
}

// ResolveDBPath returns DBPath, defaulting to ~/.taskgraph/history.db and
// creating its directory.
func (c Config) ResolveDBPath() (string, error) {
	if c.DBPath != "" {
		return c.DBPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".taskgraph")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", dir, err)
	}
	return filepath.Join(dir, "history.db"), nil
}

// EnvList renders Env as sorted KEY=VALUE pairs.
func (w WorkerConfig) EnvList() []string {
	out := make([]string, 0, len(w.Env))
	for k, v := range w.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// NewRegistry registers a runner.CommandWorker for every configured worker
// plus the built-in ShellWorker, unless the config overrides it.
func (c Config) NewRegistry(logger *slog.Logger) *runner.Registry {
	reg := runner.NewRegistry(logger)
	reg.Register(ShellWorker, runner.NewCommandWorker("", logger))
	for name, wc := range c.Workers {
		w := runner.NewCommandWorker(wc.Command, logger)
		if wc.Shell != "" {
			w.Shell = wc.Shell
		}
		w.Env = wc.EnvList()
		reg.Register(name, w)
	}
	return reg
}
