package main

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Names accepted by NewModel.
const (
	ModelV2StochasticDepth = "V2StochasticDepth"
	ModelV2SplitAttention  = "V2SplitAttention"
	ModelV2SDCBAM          = "V2SDCBAM"
	Model1DCNNGEMName      = "Model1DCNNGEM"
)

// ModelConfig holds the construction-time settings of a network.
type ModelConfig struct {
	Name string `json:"name"`

	N             int     `json:"n"`              // base channel width
	NH            int     `json:"nh"`             // head hidden width
	Activation    string  `json:"activation"`     // see ActivationByName
	Dropout       float64 `json:"ps"`             // head dropout
	SurvivalFinal float64 `json:"survival_final"` // survival of the last residual block

	// SampleLength is the raw per-channel sample count.
	SampleLength int `json:"sample_length"`

	// Whitening is applied inside Forward when UseRawWave is set.
	UseRawWave   bool         `json:"use_raw_wave"`
	Whitening    WhitenConfig `json:"whitening"`
	SpectrumPath string       `json:"spectrum_path"`

	// CBAM gates.
	Reduction     float64 `json:"reduction"`
	SpatialKernel int     `json:"spatial_kernel"`

	SplitAttention SplitAttentionConfig `json:"split_attention"`
}

// DefaultModelConfig returns the baseline stochastic-depth network on
// 4096-sample strain with whitening enabled.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Name:           ModelV2StochasticDepth,
		N:              8,
		NH:             256,
		Activation:     "silu",
		Dropout:        0.5,
		SurvivalFinal:  0.5,
		SampleLength:   4096,
		UseRawWave:     true,
		Whitening:      DefaultWhitenConfig(),
		SpectrumPath:   "avr_w0.spec",
		Reduction:      1.0,
		SpatialKernel:  15,
		SplitAttention: DefaultSplitAttentionConfig(),
	}
}

// Validate checks the settings every model shares. Architecture-specific
// checks happen in the constructors.
func (c ModelConfig) Validate() error {
	switch {
	case c.N < 1:
		return errors.Wrapf(ErrInvalidConfig, "channel width n=%d", c.N)
	case c.NH < 1:
		return errors.Wrapf(ErrInvalidConfig, "head width nh=%d", c.NH)
	case c.Dropout < 0 || c.Dropout > 1:
		return errors.Wrapf(ErrInvalidConfig, "dropout %v outside [0,1]", c.Dropout)
	case c.SurvivalFinal <= 0 || c.SurvivalFinal > 1:
		return errors.Wrapf(ErrInvalidConfig, "final survival %v outside (0,1]", c.SurvivalFinal)
	case c.SampleLength < 1:
		return errors.Wrapf(ErrInvalidConfig, "sample length %d", c.SampleLength)
	}
	if _, err := ActivationByName(c.Activation); err != nil {
		return err
	}
	return nil
}

// RunConfig bundles everything a training or prediction run needs.
type RunConfig struct {
	Model    ModelConfig    `json:"model"`
	Training TrainingConfig `json:"training"`

	// Database is the sqlite file holding samples and checkpoints.
	Database string `json:"database"`
	Run      string `json:"run"`
	Seed     int64  `json:"seed"`
}

// DefaultRunConfig returns the default model and training settings.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Model:    DefaultModelConfig(),
		Training: DefaultTrainingConfig(),
		Database: "gwave.db",
		Run:      "default",
		Seed:     42,
	}
}

// Validate checks both halves of the run.
func (c RunConfig) Validate() error {
	if err := c.Model.Validate(); err != nil {
		return errors.Wrap(err, "model")
	}
	if err := c.Training.Validate(); err != nil {
		return errors.Wrap(err, "training")
	}
	if c.Database == "" {
		return errors.Wrap(ErrInvalidConfig, "database path is empty")
	}
	return nil
}

// LoadRunConfig reads a JSON run configuration. Fields missing from the
// file keep their defaults.
func LoadRunConfig(path string) (RunConfig, error) {
	cfg := DefaultRunConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read run config")
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse run config %s", path)
	}
	return cfg, errors.Wrapf(cfg.Validate(), "run config %s", path)
}
