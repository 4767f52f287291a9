// Package config loads and validates the run configuration. Values come from
// a YAML file, MARGE_* environment variables and bound command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-marge/layers"
	"github.com/tsawler/go-marge/stats"
	"github.com/tsawler/go-marge/training"
	"github.com/tsawler/go-marge/transform"
)

// ErrConfiguration is returned for every invalid setting
var ErrConfiguration = layers.ErrConfiguration

// EnvPrefix prefixes environment overrides, e.g. MARGE_TRAINING_EPOCHS
const EnvPrefix = "MARGE"

// RangeTest is the clr_steps value that sweeps the learning rate once over
// the whole run
const RangeTest = "range test"

// PathsConfig holds directories and file names
type PathsConfig struct {
	InputDir     string `mapstructure:"inputdir" yaml:"inputdir"`
	OutputDir    string `mapstructure:"outputdir" yaml:"outputdir"`
	DataDir      string `mapstructure:"datadir" yaml:"datadir"`
	PlotDir      string `mapstructure:"plotdir" yaml:"plotdir"`
	PredDir      string `mapstructure:"preddir" yaml:"preddir"`
	WeightFile   string `mapstructure:"weight_file" yaml:"weight_file"`
	StopFile     string `mapstructure:"stop_file" yaml:"stop_file"`
	FMean        string `mapstructure:"fmean" yaml:"fmean"`
	FStdev       string `mapstructure:"fstdev" yaml:"fstdev"`
	FMin         string `mapstructure:"fmin" yaml:"fmin"`
	FMax         string `mapstructure:"fmax" yaml:"fmax"`
	FSize        string `mapstructure:"fsize" yaml:"fsize"`
	RMSEFile     string `mapstructure:"rmse_file" yaml:"rmse_file"`
	R2File       string `mapstructure:"r2_file" yaml:"r2_file"`
	RecordPrefix string `mapstructure:"record_prefix" yaml:"record_prefix"`
}

// DataConfig describes the case vectors and their transform
type DataConfig struct {
	InD        int       `mapstructure:"ind" yaml:"inD"`
	OutD       int       `mapstructure:"outd" yaml:"outD"`
	ILog       string    `mapstructure:"ilog" yaml:"ilog"` // "all", "none" or comma-separated indices
	OLog       string    `mapstructure:"olog" yaml:"olog"`
	Normalize  bool      `mapstructure:"normalize" yaml:"normalize"`
	Scale      bool      `mapstructure:"scale" yaml:"scale"`
	ScaleLims  []float64 `mapstructure:"scalelims" yaml:"scalelims"`
	// Epsilon floors the stdev used by normalize and denormalize. It is not
	// added to log arguments.
	Epsilon    float64   `mapstructure:"epsilon" yaml:"epsilon"`
	ShardCases int       `mapstructure:"shard_cases" yaml:"shard_cases"`
}

// ModelConfig describes the network
type ModelConfig struct {
	ConvLayers         []int   `mapstructure:"convlayers" yaml:"convlayers"`
	DenseLayers        []int   `mapstructure:"denselayers" yaml:"denselayers"`
	ConcreteDropout    bool    `mapstructure:"concrete_dropout" yaml:"concrete_dropout"`
	WeightRegularizer  float64 `mapstructure:"weight_regularizer" yaml:"weight_regularizer"`
	DropoutRegularizer float64 `mapstructure:"dropout_regularizer" yaml:"dropout_regularizer"`
	InitMin            float64 `mapstructure:"init_min" yaml:"init_min"`
	InitMax            float64 `mapstructure:"init_max" yaml:"init_max"`
	MCDropout          bool    `mapstructure:"mc_dropout" yaml:"mc_dropout"`
	Seed               int64   `mapstructure:"seed" yaml:"seed"`
}

// TrainingConfig controls optimization and which splits are used
type TrainingConfig struct {
	BatchSize   int     `mapstructure:"batch_size" yaml:"batch_size"`
	NCores      int     `mapstructure:"ncores" yaml:"ncores"` // 0 = logical cores
	BufferSize  int     `mapstructure:"buffer_size" yaml:"buffer_size"`
	Lengthscale float64 `mapstructure:"lengthscale" yaml:"lengthscale"`
	MaxLR       float64 `mapstructure:"max_lr" yaml:"max_lr"`
	CLRMode     string  `mapstructure:"clr_mode" yaml:"clr_mode"`
	CLRSteps    string  `mapstructure:"clr_steps" yaml:"clr_steps"` // epochs per half cycle, or "range test"
	CLRGamma    float64 `mapstructure:"clr_gamma" yaml:"clr_gamma"`
	Epochs      int     `mapstructure:"epochs" yaml:"epochs"`
	Patience    int     `mapstructure:"patience" yaml:"patience"`
	Resume      bool    `mapstructure:"resume" yaml:"resume"`
	TrainFlag   bool    `mapstructure:"trainflag" yaml:"trainflag"`
	ValidFlag   bool    `mapstructure:"validflag" yaml:"validflag"`
	TestFlag    bool    `mapstructure:"testflag" yaml:"testflag"`
	MaxStates   int     `mapstructure:"max_state_files" yaml:"max_state_files"`
}

// OutputConfig controls logging and the run history
type OutputConfig struct {
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose"`
	History  bool   `mapstructure:"history" yaml:"history"`
}

// Config is the complete run configuration
type Config struct {
	Paths    PathsConfig    `mapstructure:"paths" yaml:"paths"`
	Data     DataConfig     `mapstructure:"data" yaml:"data"`
	Model    ModelConfig    `mapstructure:"model" yaml:"model"`
	Training TrainingConfig `mapstructure:"training" yaml:"training"`
	Output   OutputConfig   `mapstructure:"output" yaml:"output"`

	loadedFrom string
}

// SetDefaults registers the default of every key on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("paths.inputdir", "inputs")
	v.SetDefault("paths.outputdir", "outputs")
	v.SetDefault("paths.datadir", "data")
	v.SetDefault("paths.plotdir", "plots")
	v.SetDefault("paths.preddir", "pred")
	v.SetDefault("paths.weight_file", "nn_weights.json")
	v.SetDefault("paths.stop_file", "STOP")
	v.SetDefault("paths.fmean", "mean.npy")
	v.SetDefault("paths.fstdev", "stdev.npy")
	v.SetDefault("paths.fmin", "datmin.npy")
	v.SetDefault("paths.fmax", "datmax.npy")
	v.SetDefault("paths.fsize", "datsize.npy")
	v.SetDefault("paths.rmse_file", "rmse")
	v.SetDefault("paths.r2_file", "r2")
	v.SetDefault("paths.record_prefix", "")

	v.SetDefault("data.ind", 0)
	v.SetDefault("data.outd", 0)
	v.SetDefault("data.ilog", "none")
	v.SetDefault("data.olog", "none")
	v.SetDefault("data.normalize", true)
	v.SetDefault("data.scale", true)
	v.SetDefault("data.scalelims", []float64{-1, 1})
	v.SetDefault("data.epsilon", 1e-6)
	v.SetDefault("data.shard_cases", 10000)

	v.SetDefault("model.convlayers", []int{})
	v.SetDefault("model.denselayers", []int{256, 256})
	v.SetDefault("model.concrete_dropout", false)
	v.SetDefault("model.weight_regularizer", 1e-6)
	v.SetDefault("model.dropout_regularizer", 1e-5)
	v.SetDefault("model.init_min", 0.1)
	v.SetDefault("model.init_max", 0.1)
	v.SetDefault("model.mc_dropout", true)
	v.SetDefault("model.seed", 0)

	v.SetDefault("training.batch_size", 256)
	v.SetDefault("training.ncores", 0)
	v.SetDefault("training.buffer_size", 0)
	v.SetDefault("training.lengthscale", 1e-3)
	v.SetDefault("training.max_lr", 1e-1)
	v.SetDefault("training.clr_mode", training.ModeTriangular)
	v.SetDefault("training.clr_steps", "6")
	v.SetDefault("training.clr_gamma", 1.0)
	v.SetDefault("training.epochs", 100)
	v.SetDefault("training.patience", 50)
	v.SetDefault("training.resume", false)
	v.SetDefault("training.trainflag", true)
	v.SetDefault("training.validflag", true)
	v.SetDefault("training.testflag", true)
	v.SetDefault("training.max_state_files", 0)

	v.SetDefault("output.log_level", "info")
	v.SetDefault("output.verbose", false)
	v.SetDefault("output.history", true)
}

// New returns a viper instance with defaults and environment overrides
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (when non-empty) into v and decodes the result. Flags must
// be bound to v before calling Load.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.loadedFrom = v.ConfigFileUsed()
	return &cfg, nil
}

// Default returns the configuration with every default applied
func Default() *Config {
	cfg, err := Load(New(), "")
	if err != nil {
		// defaults always decode
		panic(err)
	}
	return cfg
}

// LoadedFrom returns the file the configuration was read from, if any
func (c *Config) LoadedFrom() string {
	return c.loadedFrom
}

// WriteDefault writes the default configuration as YAML to path. An existing
// file is left alone.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks every setting before any work starts
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrConfiguration}, args...)...))
	}

	if c.Data.InD <= 0 || c.Data.OutD <= 0 {
		bad("data.inD and data.outD must be positive, got %d and %d", c.Data.InD, c.Data.OutD)
	}
	if _, err := c.LogMask(); err != nil && c.Data.InD > 0 && c.Data.OutD > 0 {
		bad("%v", err)
	}
	if c.Data.Scale {
		if len(c.Data.ScaleLims) != 2 || !(c.Data.ScaleLims[0] < c.Data.ScaleLims[1]) {
			bad("data.scalelims must be [lo, hi] with lo < hi, got %v", c.Data.ScaleLims)
		}
	}
	if c.Data.Epsilon < 0 {
		bad("data.epsilon must not be negative")
	}
	if c.Data.ShardCases <= 0 {
		bad("data.shard_cases must be positive")
	}

	if len(c.Model.DenseLayers) == 0 {
		bad("model.denselayers needs at least one layer")
	}
	for _, n := range append(append([]int(nil), c.Model.ConvLayers...), c.Model.DenseLayers...) {
		if n <= 0 {
			bad("layer sizes must be positive, got %d", n)
			break
		}
	}
	if c.Model.ConcreteDropout {
		for _, p := range []float64{c.Model.InitMin, c.Model.InitMax} {
			if p <= 0 || p >= 1 {
				bad("model.init_min and model.init_max must lie in (0, 1), got %g", p)
				break
			}
		}
	}

	t := c.Training
	if t.BatchSize <= 0 {
		bad("training.batch_size must be positive")
	}
	if t.NCores < 0 {
		bad("training.ncores must not be negative")
	}
	if t.Epochs <= 0 {
		bad("training.epochs must be positive")
	}
	if t.Lengthscale <= 0 {
		bad("training.lengthscale must be positive")
	}
	if t.MaxLR < t.Lengthscale {
		bad("training.max_lr %g is below training.lengthscale %g", t.MaxLR, t.Lengthscale)
	}
	switch t.CLRMode {
	case training.ModeTriangular, training.ModeTriangular2, training.ModeExpRange,
		training.ModeStep, training.ModeExponential, training.ModeCosine, training.ModeConstant:
	default:
		bad("unknown training.clr_mode %q", t.CLRMode)
	}
	if !c.RangeTest() {
		if _, err := c.CLRSteps(); err != nil {
			bad("%v", err)
		}
	}
	if !t.TrainFlag && !t.ValidFlag && !t.TestFlag {
		bad("at least one of trainflag, validflag or testflag must be set")
	}

	switch strings.ToLower(c.Output.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		bad("unknown output.log_level %q", c.Output.LogLevel)
	}
	return errors.Join(errs...)
}

// parseSelection reads "all", "none" or a comma-separated index list
func parseSelection(s string) (transform.Selection, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "", "none", "false":
		return transform.Selection{}, nil
	case "all", "true":
		return transform.Selection{All: true}, nil
	}
	var sel transform.Selection
	for _, part := range strings.Split(s, ",") {
		idx, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return sel, fmt.Errorf("invalid log selection %q", s)
		}
		sel.Indices = append(sel.Indices, idx)
	}
	return sel, nil
}

// LogMask expands ilog and olog into one flag per case dimension
func (c *Config) LogMask() ([]bool, error) {
	ilog, err := parseSelection(c.Data.ILog)
	if err != nil {
		return nil, fmt.Errorf("data.ilog: %w", err)
	}
	olog, err := parseSelection(c.Data.OLog)
	if err != nil {
		return nil, fmt.Errorf("data.olog: %w", err)
	}
	return transform.Mask(c.Data.InD, c.Data.OutD, ilog, olog)
}

// TransformConfig builds the transform settings for mask
func (c *Config) TransformConfig(mask []bool) transform.Config {
	tc := transform.Config{
		Log:       mask,
		Normalize: c.Data.Normalize,
		Scale:     c.Data.Scale,
		Epsilon:   c.Data.Epsilon,
	}
	if len(c.Data.ScaleLims) == 2 {
		tc.ScaleLo, tc.ScaleHi = c.Data.ScaleLims[0], c.Data.ScaleLims[1]
	}
	return tc
}

// RangeTest reports whether clr_steps requests a learning-rate range test
func (c *Config) RangeTest() bool {
	s := strings.ToLower(strings.TrimSpace(c.Training.CLRSteps))
	return s == RangeTest || s == "range_test"
}

// CLRSteps returns clr_steps as a count of epochs
func (c *Config) CLRSteps() (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(c.Training.CLRSteps))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("training.clr_steps must be a positive integer or %q, got %q", RangeTest, c.Training.CLRSteps)
	}
	return n, nil
}

// Workers returns ncores, defaulting to the logical core count
func (c *Config) Workers() int {
	if c.Training.NCores > 0 {
		return c.Training.NCores
	}
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return 1
}

// StatsCache returns the statistics cache files inside inputdir
func (c *Config) StatsCache() stats.CacheFiles {
	return stats.CacheFiles{
		Mean:  c.Paths.FMean,
		Stdev: c.Paths.FStdev,
		Min:   c.Paths.FMin,
		Max:   c.Paths.FMax,
	}.In(c.Paths.InputDir)
}

// SizesFile returns the dataset size cache path
func (c *Config) SizesFile() string {
	return filepath.Join(c.Paths.InputDir, c.Paths.FSize)
}

// WeightPath returns the weights file inside outputdir
func (c *Config) WeightPath() string {
	if filepath.IsAbs(c.Paths.WeightFile) {
		return c.Paths.WeightFile
	}
	return filepath.Join(c.Paths.OutputDir, c.Paths.WeightFile)
}

// StopPath returns the sentinel file inside outputdir
func (c *Config) StopPath() string {
	if c.Paths.StopFile == "" || filepath.IsAbs(c.Paths.StopFile) {
		return c.Paths.StopFile
	}
	return filepath.Join(c.Paths.OutputDir, c.Paths.StopFile)
}

// Architecture returns the network description
func (c *Config) Architecture() layers.ArchitectureConfig {
	return layers.ArchitectureConfig{
		InD:                c.Data.InD,
		OutD:               c.Data.OutD,
		ConvLayers:         c.Model.ConvLayers,
		DenseLayers:        c.Model.DenseLayers,
		ConcreteDropout:    c.Model.ConcreteDropout,
		WeightRegularizer:  c.Model.WeightRegularizer,
		DropoutRegularizer: c.Model.DropoutRegularizer,
		InitMin:            c.Model.InitMin,
		InitMax:            c.Model.InitMax,
		MCDropout:          c.Model.MCDropout,
	}
}
