package reedbase

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bsm/reedbase/btree"
	"github.com/bsm/reedbase/index"
	"github.com/bsm/reedbase/matrix"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes all environment overrides.
const EnvPrefix = "REEDBASE_"

// BTreeConfig configures the disk index backend.
type BTreeConfig struct {
	// Maximum keys per node. Default: 64.
	Order int `yaml:"order"`
	// Page size in bytes. Default: 16KiB.
	PageSize int `yaml:"page_size"`
	// Page compression, snappy or none. Default: snappy.
	Compression string `yaml:"compression"`
	// Sync forces an fsync after every index mutation.
	Sync bool `yaml:"sync"`
}

// Config configures a Store.
type Config struct {
	// Root directory of all tables and indices.
	DataDir string `yaml:"data_dir"`
	// Index backend, memory or btree. Default: btree.
	IndexBackend string `yaml:"index_backend"`
	BTree        BTreeConfig `yaml:"btree"`
	// Row column delimiter. Default: "|".
	Delimiter string `yaml:"delimiter"`
	// Environment used by Get when none is given. Default: DEFAULT.
	DefaultEnv string `yaml:"default_env"`
	// ValidateKeys enforces structured key rules on the base of every key
	// passed to Set.
	ValidateKeys bool `yaml:"validate_keys"`
	// A full snapshot is stored every SnapshotInterval commits.
	// Default: 10.
	SnapshotInterval int `yaml:"snapshot_interval"`
	// Log level used by NewLogger. Default: info.
	LogLevel string `yaml:"log_level"`
}

// LoadConfig reads a YAML config file. Variables from a .env file next to
// it and REEDBASE_* variables of the process environment override file
// values, the process environment taking precedence. An empty path skips
// the file.
func LoadConfig(path string) (*Config, error) {
	cfg := new(Config)
	dir := "."
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, configError("load_config", errors.Wrapf(err, "read %s", path))
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, configError("load_config", errors.Wrapf(err, "parse %s", path))
		}
		dir = filepath.Dir(path)
	}

	vars, err := godotenv.Read(filepath.Join(dir, ".env"))
	if err != nil && !os.IsNotExist(err) {
		return nil, configError("load_config", errors.Wrap(err, "read .env"))
	}
	if vars == nil {
		vars = make(map[string]string)
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, EnvPrefix) {
			vars[k] = v
		}
	}
	if err := cfg.override(vars); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) override(vars map[string]string) error {
	for k, v := range vars {
		if !strings.HasPrefix(k, EnvPrefix) {
			continue
		}

		var err error
		switch name := strings.TrimPrefix(k, EnvPrefix); name {
		case "DATA_DIR":
			c.DataDir = v
		case "INDEX_BACKEND":
			c.IndexBackend = v
		case "BTREE_ORDER":
			c.BTree.Order, err = strconv.Atoi(v)
		case "BTREE_PAGE_SIZE":
			c.BTree.PageSize, err = strconv.Atoi(v)
		case "BTREE_COMPRESSION":
			c.BTree.Compression = v
		case "BTREE_SYNC":
			c.BTree.Sync, err = strconv.ParseBool(v)
		case "DELIMITER":
			c.Delimiter = v
		case "DEFAULT_ENV":
			c.DefaultEnv = v
		case "VALIDATE_KEYS":
			c.ValidateKeys, err = strconv.ParseBool(v)
		case "SNAPSHOT_INTERVAL":
			c.SnapshotInterval, err = strconv.Atoi(v)
		case "LOG_LEVEL":
			c.LogLevel = v
		}
		if err != nil {
			return configError("load_config", errors.Wrapf(err, "parse %s", k))
		}
	}
	return nil
}

func (c *Config) norm() *Config {
	var cc Config
	if c != nil {
		cc = *c
	}

	if cc.IndexBackend == "" {
		cc.IndexBackend = string(index.KindBTree)
	}
	if cc.BTree.Order == 0 {
		cc.BTree.Order = 64
	}
	if cc.BTree.PageSize == 0 {
		cc.BTree.PageSize = 16 << 10
	}
	if cc.BTree.Compression == "" {
		cc.BTree.Compression = "snappy"
	}
	if cc.Delimiter == "" {
		cc.Delimiter = matrix.DefaultDelimiter
	}
	if cc.DefaultEnv == "" {
		cc.DefaultEnv = DefaultEnv
	}
	if cc.SnapshotInterval == 0 {
		cc.SnapshotInterval = 10
	}
	if cc.LogLevel == "" {
		cc.LogLevel = "info"
	}
	return &cc
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	cc := c.norm()

	if cc.DataDir == "" {
		return configError("validate_config", errors.Wrap(ErrInvalidConfig, "data_dir is required"))
	}
	if _, err := index.ParseKind(cc.IndexBackend); err != nil {
		return configError("validate_config", errors.Wrap(ErrInvalidConfig, err.Error()))
	}
	if _, err := btree.NewOrder(cc.BTree.Order); err != nil {
		return configError("validate_config", errors.Wrap(ErrInvalidConfig, err.Error()))
	}
	if cc.BTree.PageSize < 0 {
		return configError("validate_config", errors.Wrap(ErrInvalidConfig, "btree.page_size must be positive"))
	}
	if _, err := parseCompression(cc.BTree.Compression); err != nil {
		return configError("validate_config", err)
	}
	if strings.ContainsAny(cc.Delimiter, "\r\n") {
		return configError("validate_config", errors.Wrap(ErrInvalidConfig, "delimiter must not contain line breaks"))
	}
	if _, err := normEnv(cc.DefaultEnv); err != nil {
		return configError("validate_config", errors.Wrap(ErrInvalidConfig, err.Error()))
	}
	if cc.SnapshotInterval < 1 {
		return configError("validate_config", errors.Wrap(ErrInvalidConfig, "snapshot_interval must be positive"))
	}
	if _, err := zapcore.ParseLevel(cc.LogLevel); err != nil {
		return configError("validate_config", errors.Wrap(ErrInvalidConfig, err.Error()))
	}
	return nil
}

func (c *Config) btreeOptions() *btree.Options {
	comp, _ := parseCompression(c.BTree.Compression)
	return &btree.Options{
		Order:       c.BTree.Order,
		PageSize:    c.BTree.PageSize,
		Compression: comp,
		Sync:        c.BTree.Sync,
	}
}

func parseCompression(s string) (btree.Compression, error) {
	switch strings.ToLower(s) {
	case "snappy":
		return btree.SnappyCompression, nil
	case "none":
		return btree.NoCompression, nil
	}
	return 0, errors.Wrapf(ErrInvalidConfig, "unknown btree.compression %q", s)
}

// NewLogger builds a production JSON logger at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, configError("new_logger", errors.Wrap(ErrInvalidConfig, err.Error()))
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func configError(op string, err error) error {
	return &Error{Kind: KindConfig, Op: op, Err: err}
}
