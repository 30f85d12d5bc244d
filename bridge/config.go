package bridge

import (
	"fmt"
	"io"
	"maps"
	"time"
)

// DefaultExecutable is the worker binary looked up in PATH when no
// executable is configured.
const DefaultExecutable = "vmbridge-worker"

// Config holds worker process configuration.
type Config struct {
	// Executable is the worker binary, resolved through PATH when it has no
	// path separator.
	// Default: "vmbridge-worker"
	Executable string `json:"executable" yaml:"executable" toml:"executable"`

	// EntryPath is passed as the first argument to the executable. Workers
	// run by an interpreter use it to name their entry script.
	EntryPath string `json:"entry_path" yaml:"entry_path" toml:"entry_path"`

	// Args are additional arguments appended after EntryPath.
	Args []string `json:"args" yaml:"args" toml:"args"`

	// WorkDir is the working directory for the worker process.
	WorkDir string `json:"work_dir" yaml:"work_dir" toml:"work_dir"`

	// Env provides additional environment variables for the worker.
	Env map[string]string `json:"env" yaml:"env" toml:"env"`

	// ReadTimeout bounds the wait for each response. When it expires the
	// worker is killed and the session becomes unusable.
	// Default: 0 (wait indefinitely).
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout" toml:"read_timeout"`

	// ShutdownTimeout is how long Close waits for the worker to acknowledge
	// and exit before killing it.
	// Default: 5 seconds.
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Executable:      DefaultExecutable,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Executable == "" {
		return fmt.Errorf("executable is required")
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("read_timeout must be >= 0")
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be >= 0")
	}
	return nil
}

// WithDefaults returns a copy of the config with defaults applied for unset fields.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.Executable == "" {
		c.Executable = defaults.Executable
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
	return c
}

// ConsoleMode selects what a module sandbox does with script console output.
type ConsoleMode string

// Console modes.
const (
	// ConsoleInherit writes script output to the host's stdout/stderr.
	ConsoleInherit ConsoleMode = "inherit"

	// ConsoleRedirect keeps script output on the Module for inspection.
	ConsoleRedirect ConsoleMode = "redirect"
)

// settings collects everything the Option functions configure.
type settings struct {
	cfg     Config
	code    string
	options map[string]any
	console ConsoleMode
	stdout  io.Writer
	stderr  io.Writer
}

func newSettings(opts []Option) settings {
	s := settings{
		cfg:     DefaultConfig(),
		console: ConsoleInherit,
	}
	for _, opt := range opts {
		opt(&s)
	}
	s.cfg = s.cfg.WithDefaults()
	return s
}

// Option configures a Sandbox or Module.
type Option func(*settings)

// WithConfig replaces the worker process configuration.
func WithConfig(cfg Config) Option {
	return func(s *settings) { s.cfg = cfg }
}

// WithExecutable sets the worker executable.
func WithExecutable(path string) Option {
	return func(s *settings) { s.cfg.Executable = path }
}

// WithEntryPath sets the worker entry path argument.
func WithEntryPath(path string) Option {
	return func(s *settings) { s.cfg.EntryPath = path }
}

// WithArgs sets extra worker arguments.
func WithArgs(args ...string) Option {
	return func(s *settings) { s.cfg.Args = args }
}

// WithWorkDir sets the working directory for the worker.
func WithWorkDir(dir string) Option {
	return func(s *settings) { s.cfg.WorkDir = dir }
}

// WithEnv adds environment variables for the worker process.
func WithEnv(env map[string]string) Option {
	return func(s *settings) {
		if s.cfg.Env == nil {
			s.cfg.Env = make(map[string]string)
		}
		maps.Copy(s.cfg.Env, env)
	}
}

// WithReadTimeout bounds the wait for each worker response.
func WithReadTimeout(d time.Duration) Option {
	return func(s *settings) { s.cfg.ReadTimeout = d }
}

// WithShutdownTimeout sets how long Close waits before killing the worker.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *settings) { s.cfg.ShutdownTimeout = d }
}

// WithCode sets code the expression sandbox runs when it is created,
// typically to define functions for Call.
func WithCode(code string) Option {
	return func(s *settings) { s.code = code }
}

// WithSandboxOptions sets the options passed to the worker on create. The
// bridge does not interpret them.
func WithSandboxOptions(opts map[string]any) Option {
	return func(s *settings) {
		if s.options == nil {
			s.options = make(map[string]any)
		}
		maps.Copy(s.options, opts)
	}
}

// WithConsole sets the console mode of a module sandbox.
func WithConsole(mode ConsoleMode) Option {
	return func(s *settings) { s.console = mode }
}

// WithConsoleWriters replaces the host streams used by ConsoleInherit.
// Defaults: os.Stdout and os.Stderr.
func WithConsoleWriters(stdout, stderr io.Writer) Option {
	return func(s *settings) {
		s.stdout = stdout
		s.stderr = stderr
	}
}
