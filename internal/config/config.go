package config

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/bmcpi/emunvram/internal/firmware/nvram"
)

const (
	envPrefix = "EMUNVRAM"

	BackendMemory   = "mem"
	BackendEfivarfs = "efivarfs"
	BackendEdk2     = "edk2"
)

type StoreConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"`
	// Path is the seed file for mem, the efivars directory for efivarfs and
	// the firmware image for edk2.
	Path string `yaml:"path" mapstructure:"path"`
}

type NvramConfig struct {
	StorageRoot           string `yaml:"storage_root"             mapstructure:"storage_root"`
	WriteFlash            bool   `yaml:"write_flash"              mapstructure:"write_flash"`
	LegacyOverwrite       bool   `yaml:"legacy_overwrite"         mapstructure:"legacy_overwrite"`
	RequestBootVarRouting bool   `yaml:"request_boot_var_routing" mapstructure:"request_boot_var_routing"`
	BootVariableRedirect  bool   `yaml:"boot_variable_redirect"   mapstructure:"boot_variable_redirect"`
	ExposeVersion         bool   `yaml:"expose_version"           mapstructure:"expose_version"`
	Version               string `yaml:"version"                  mapstructure:"version"`
	MaxBufferSize         int    `yaml:"max_buffer_size"          mapstructure:"max_buffer_size"`
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile" mapstructure:"textfile"`
}

// Tables holds the GUID and variable name keyed sections. They are read
// apart from viper, which folds keys to lower case.
type Tables struct {
	Add          map[string]map[string]string `json:"Add,omitempty"`
	Delete       map[string][]string          `json:"Delete,omitempty"`
	LegacySchema map[string][]string          `json:"LegacySchema,omitempty"`
}

type Config struct {
	LogLevel  string        `yaml:"log_level"  mapstructure:"log_level"`
	LogFormat string        `yaml:"log_format" mapstructure:"log_format"`
	Store     StoreConfig   `yaml:"store"      mapstructure:"store"`
	Nvram     NvramConfig   `yaml:"nvram"      mapstructure:"nvram"`
	Metrics   MetricsConfig `yaml:"metrics"    mapstructure:"metrics"`
	Log       logr.Logger   `yaml:"-"          mapstructure:"-"`

	mu     sync.RWMutex
	v      *viper.Viper
	fs     afero.Fs
	tables Tables
}

// Options tune NewConfig.
type Options struct {
	// File is an explicit config file; empty searches /config/ and the
	// working directory for config.yaml.
	File string
	// Fs is the file system config files are read from. Defaults to the OS.
	Fs afero.Fs
	// Watch reloads the config when the file changes.
	Watch bool
	// OnChange runs after each successful reload. Setting it implies Watch.
	OnChange func(*Config)
}

func NewConfig(opts Options) (conf *Config, err error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}

	v := viper.New()
	v.SetFs(opts.Fs)

	conf = &Config{v: v, fs: opts.Fs}

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/config/")
		v.AddConfigPath(".")
	}

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.path", "")

	v.SetDefault("nvram.storage_root", ".")
	v.SetDefault("nvram.write_flash", true)
	v.SetDefault("nvram.legacy_overwrite", false)
	v.SetDefault("nvram.request_boot_var_routing", false)
	v.SetDefault("nvram.boot_variable_redirect", false)
	v.SetDefault("nvram.expose_version", false)
	v.SetDefault("nvram.version", "")
	v.SetDefault("nvram.max_buffer_size", 0)

	v.SetDefault("metrics.textfile", "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: reading %s: %w", v.ConfigFileUsed(), err)
		}
	}

	for _, key := range v.AllKeys() {
		envKey := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey); err != nil {
			return nil, fmt.Errorf("config: unable to bind env: %w", err)
		}
	}

	if err := conf.Reload(); err != nil {
		return nil, err
	}

	conf.Log = defaultLogger(conf.LogLevel, conf.LogFormat)

	if (opts.Watch || opts.OnChange != nil) && v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			if err := conf.Reload(); err != nil {
				conf.Log.Error(err, "config reload failed", "file", e.Name)

				return
			}

			conf.Log.Info("config reloaded", "file", e.Name)

			if opts.OnChange != nil {
				opts.OnChange(conf)
			}
		})
		v.WatchConfig()
	}

	return conf, nil
}

// Reload re-reads the config file and its tables.
func (c *Config) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.v.Unmarshal(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	tables, err := readTables(c.fs, c.v.ConfigFileUsed())
	if err != nil {
		return err
	}

	c.tables = tables

	return nil
}

func readTables(fsys afero.Fs, file string) (Tables, error) {
	var t Tables

	if file == "" {
		return t, nil
	}

	data, err := afero.ReadFile(fsys, file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return t, nil
		}

		return t, fmt.Errorf("config: reading tables: %w", err)
	}

	var raw struct {
		Add          map[string]json.RawMessage `json:"Add"`
		Delete       map[string]json.RawMessage `json:"Delete"`
		LegacySchema map[string]json.RawMessage `json:"LegacySchema"`
	}

	if err := yaml.Unmarshal(data, &raw); err != nil {
		return t, fmt.Errorf("config: parsing tables in %s: %w", file, err)
	}

	if raw.Add != nil {
		t.Add = map[string]map[string]string{}

		for guid, section := range raw.Add {
			if isComment(guid) {
				continue
			}

			var vars map[string]json.RawMessage
			if err := yaml.Unmarshal(section, &vars); err != nil {
				return t, fmt.Errorf("config: Add %s: %w", guid, err)
			}

			if t.Add[guid], err = decodeTable[string](vars); err != nil {
				return t, fmt.Errorf("config: Add %s: %w", guid, err)
			}
		}
	}

	if t.Delete, err = decodeTable[[]string](raw.Delete); err != nil {
		return t, fmt.Errorf("config: Delete: %w", err)
	}

	if t.LegacySchema, err = decodeTable[[]string](raw.LegacySchema); err != nil {
		return t, fmt.Errorf("config: LegacySchema: %w", err)
	}

	return t, nil
}

// isComment reports keys that the NVRAM tables treat as comments.
func isComment(key string) bool {
	return strings.HasPrefix(key, nvram.CommentPrefix)
}

// decodeTable decodes the values of raw, dropping comment keys whatever
// their value.
func decodeTable[V any](raw map[string]json.RawMessage) (map[string]V, error) {
	if raw == nil {
		return nil, nil
	}

	out := make(map[string]V, len(raw))

	for key, value := range raw {
		if isComment(key) {
			continue
		}

		var v V
		if err := yaml.Unmarshal(value, &v); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}

		out[key] = v
	}

	return out, nil
}

// Tables returns the case-sensitive sections of the last load.
func (c *Config) Tables() Tables {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.tables
}

// DecodeValue converts an Add table value. "base64:" and "hex:" prefixes
// select binary encodings; anything else is taken as raw bytes.
func DecodeValue(s string) ([]byte, error) {
	switch {
	case strings.HasPrefix(s, "base64:"):
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(s, "base64:"))
	case strings.HasPrefix(s, "hex:"):
		return hex.DecodeString(strings.TrimPrefix(s, "hex:"))
	default:
		return []byte(s), nil
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// NvramConfig builds the engine configuration snapshot.
func (c *Config) NvramConfig() (*nvram.Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := &nvram.Config{
		WriteFlash:            c.Nvram.WriteFlash,
		LegacyOverwrite:       c.Nvram.LegacyOverwrite,
		RequestBootVarRouting: c.Nvram.RequestBootVarRouting,
		ExposeVersion:         c.Nvram.ExposeVersion,
		Version:               c.Nvram.Version,
		MaxBufferSize:         c.Nvram.MaxBufferSize,
	}

	if c.tables.LegacySchema != nil {
		out.Legacy = &nvram.Schema{}
		for _, guid := range sortedKeys(c.tables.LegacySchema) {
			out.Legacy.Add(guid, nvram.EntryFromList(c.tables.LegacySchema[guid]))
		}
	}

	for _, guid := range sortedKeys(c.tables.Add) {
		vars := c.tables.Add[guid]
		section := nvram.Section{GUID: guid}

		for _, name := range sortedKeys(vars) {
			value, err := DecodeValue(vars[name])
			if err != nil {
				return nil, fmt.Errorf("config: Add %s:%s: %w", guid, name, err)
			}

			section.Vars = append(section.Vars, nvram.NamedValue{Name: name, Value: value})
		}

		out.Add = append(out.Add, section)
	}

	for _, guid := range sortedKeys(c.tables.Delete) {
		out.Delete = append(out.Delete, nvram.DeleteSection{GUID: guid, Names: c.tables.Delete[guid]})
	}

	return out, nil
}

// defaultLogger uses the slog logr implementation, or stdr for text output.
func defaultLogger(level, format string) logr.Logger {
	if format == "text" {
		if level == "debug" {
			stdr.SetVerbosity(1)
		}

		return stdr.New(log.New(os.Stderr, "", log.LstdFlags))
	}

	// source file and function can be long. This makes the logs less readable.
	// truncate source file and function to last 3 parts for improved readability.
	customAttr := func(_ []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			ss, ok := a.Value.Any().(*slog.Source)
			if !ok || ss == nil {
				return a
			}
			f := strings.Split(ss.Function, "/")
			if len(f) > 3 {
				ss.Function = filepath.Join(f[len(f)-3:]...)
			}
			p := strings.Split(ss.File, "/")
			if len(p) > 3 {
				ss.File = filepath.Join(p[len(p)-3:]...)
			}

			return a
		}

		return a
	}
	opts := &slog.HandlerOptions{AddSource: true, ReplaceAttr: customAttr}
	switch level {
	case "debug":
		opts.Level = slog.LevelDebug
	default:
		opts.Level = slog.LevelInfo
	}
	l := slog.New(slog.NewJSONHandler(os.Stderr, opts))

	return logr.FromSlogHandler(l.Handler())
}
