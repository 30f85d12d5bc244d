package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes the environment variables read by ConfigFromEnv.
const EnvPrefix = "VMBRIDGE"

// envSpec lists the environment overrides. Unset variables leave the base
// config untouched. Keys are derived from field names so that only the
// prefixed variables are consulted.
type envSpec struct {
	Worker          string
	Entry           string
	WorkDir         string
	ReadTimeout     time.Duration `split_words:"true"`
	ShutdownTimeout time.Duration `split_words:"true"`
}

// ConfigFromEnv returns the default config with VMBRIDGE_* environment
// overrides applied:
//
//	VMBRIDGE_WORKER            worker executable
//	VMBRIDGE_ENTRY             entry path argument
//	VMBRIDGE_WORKDIR           working directory
//	VMBRIDGE_READ_TIMEOUT      per-response timeout (e.g. "30s")
//	VMBRIDGE_SHUTDOWN_TIMEOUT  graceful shutdown window
//
// Sessions never read the environment themselves; pass the result with
// WithConfig.
func ConfigFromEnv() (Config, error) {
	return DefaultConfig().ApplyEnv()
}

// ApplyEnv returns a copy of c with VMBRIDGE_* overrides applied.
func (c Config) ApplyEnv() (Config, error) {
	var spec envSpec
	if err := envconfig.Process(EnvPrefix, &spec); err != nil {
		return c, fmt.Errorf("read environment: %w", err)
	}

	if spec.Worker != "" {
		c.Executable = spec.Worker
	}
	if spec.Entry != "" {
		c.EntryPath = spec.Entry
	}
	if spec.WorkDir != "" {
		c.WorkDir = spec.WorkDir
	}
	if spec.ReadTimeout != 0 {
		c.ReadTimeout = spec.ReadTimeout
	}
	if spec.ShutdownTimeout != 0 {
		c.ShutdownTimeout = spec.ShutdownTimeout
	}
	return c, nil
}

// LoadConfig reads a config file. The format follows the extension: TOML for
// .toml, YAML for .yaml/.yml, JSON otherwise. Defaults fill unset fields.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Config{}, fmt.Errorf("read config %s: %w", filepath.Base(path), ErrEmptyConfig)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", filepath.Base(path), err)
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// reloadDelay is how long the watched file must stay quiet before it is
// reloaded. A single save raises several events (truncate, write, chmod).
const reloadDelay = 100 * time.Millisecond

// WatchConfig calls fn with the reloaded config each time the file at path
// is written or replaced, until ctx is done. Reloads wait for writes to
// settle. Parse failures are passed to fn rather than ending the watch.
// Sessions already connected keep the config they started with.
func WatchConfig(ctx context.Context, path string, fn func(Config, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory so editors that replace the file are still seen.
	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	settle := time.NewTimer(reloadDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			settle.Reset(reloadDelay)
		case <-settle.C:
			cfg, err := LoadConfig(target)
			if err != nil {
				slog.Warn("config reload failed", slog.String("path", target), slog.Any("error", err))
			}
			fn(cfg, err)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", slog.Any("error", err))
		}
	}
}
