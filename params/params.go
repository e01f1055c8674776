// Package params holds the immutable run configuration consumed at
// model/optimizer construction time.
package params

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/raseidi/ConditionedSimulation/errdefs"
)

// Variant selects which model architecture a run trains.
type Variant string

const (
	// VariantShared is the shared-trunk model: one stacked LSTM feeding a
	// common feed-forward block before the three heads.
	VariantShared Variant = "shared"
	// VariantSpecialized is the per-task model: a trunk LSTM plus one
	// specialized recurrent block per head.
	VariantSpecialized Variant = "specialized"
)

// Config is the full training configuration. It is treated as read-only
// once validated.
type Config struct {
	Dataset     string  `yaml:"dataset"`
	LR          float64 `yaml:"lr"`
	BatchSize   int     `yaml:"batch_size"`
	WeightDecay float64 `yaml:"weight_decay"`
	Epochs      int     `yaml:"epochs"`
	HiddenSize  int     `yaml:"hidden_size"`
	NLayers     int     `yaml:"n_layers"`
	PrefixLen   int     `yaml:"prefix_len"`
	Variant     Variant `yaml:"variant"`

	// GradClip <= 0 disables gradient clipping.
	GradClip float64 `yaml:"grad_clip"`

	// Per-task loss weights.
	ActivityWeight  float64 `yaml:"activity_weight"`
	ResourceWeight  float64 `yaml:"resource_weight"`
	RemainingWeight float64 `yaml:"remaining_weight"`

	// Seed drives weight initialization and epoch shuffling. Threaded
	// explicitly; nothing in the module touches the global rand source.
	Seed int64 `yaml:"seed"`

	AdamBeta1 float64 `yaml:"adam_beta1"`
	AdamBeta2 float64 `yaml:"adam_beta2"`
	AdamEps   float64 `yaml:"adam_eps"`

	// EnableScaler wraps backward/step in loss scaling with overflow skip.
	EnableScaler bool `yaml:"enable_scaler"`

	// CarryState feeds the detached recurrent state of one batch into the
	// next and resets it whenever the batch size changes.
	CarryState bool `yaml:"carry_state"`

	ShuffleDataset bool `yaml:"shuffle_dataset"`

	// CheckpointDir, when set, receives gob checkpoints every
	// CheckpointEvery epochs plus a best-loss checkpoint.
	CheckpointDir   string `yaml:"checkpoint_dir"`
	CheckpointEvery int    `yaml:"checkpoint_every"`

	// ExperimentDB is the path of the sqlite run registry; empty disables
	// the registry.
	ExperimentDB string `yaml:"experiment_db"`

	ProjectName string `yaml:"project_name"`
}

// Default returns the standard experiment configuration.
func Default() Config {
	return Config{
		Dataset:         "bpi20_permit",
		LR:              0.0005,
		BatchSize:       16,
		WeightDecay:     0.1,
		Epochs:          50,
		HiddenSize:      256,
		NLayers:         1,
		PrefixLen:       5,
		Variant:         VariantShared,
		GradClip:        0,
		ActivityWeight:  1,
		ResourceWeight:  1,
		RemainingWeight: 1,
		Seed:            42,
		AdamBeta1:       0.9,
		AdamBeta2:       0.999,
		AdamEps:         1e-8,
		ShuffleDataset:  true,
		CheckpointEvery: 10,
		ProjectName:     "cosmo-v7",
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errdefs.Config("read config %s: %v", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errdefs.Config("parse config %s: %v", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration eagerly; any violation is a
// configuration error and aborts the run.
func (c Config) Validate() error {
	if c.Dataset == "" {
		return errdefs.Config("dataset must be set")
	}
	if c.LR <= 0 {
		return errdefs.Config("lr must be positive, got %g", c.LR)
	}
	if c.BatchSize <= 0 {
		return errdefs.Config("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.Epochs <= 0 {
		return errdefs.Config("epochs must be positive, got %d", c.Epochs)
	}
	if c.HiddenSize <= 0 {
		return errdefs.Config("hidden_size must be positive, got %d", c.HiddenSize)
	}
	if c.NLayers <= 0 {
		return errdefs.Config("n_layers must be positive, got %d", c.NLayers)
	}
	if c.PrefixLen <= 0 {
		return errdefs.Config("prefix_len must be positive, got %d", c.PrefixLen)
	}
	switch c.Variant {
	case VariantShared, VariantSpecialized:
	default:
		return errdefs.Config("unknown model variant %q", c.Variant)
	}
	return nil
}
