// Command cosmo trains and evaluates conditioned next-event prediction
// models on business-process event logs.
package main

import (
	"math/rand"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/raseidi/ConditionedSimulation/engine"
	"github.com/raseidi/ConditionedSimulation/errdefs"
	"github.com/raseidi/ConditionedSimulation/eventlog"
	"github.com/raseidi/ConditionedSimulation/experiment"
	"github.com/raseidi/ConditionedSimulation/model"
	"github.com/raseidi/ConditionedSimulation/params"
	"github.com/raseidi/ConditionedSimulation/vocab"
)

func main() {
	log := logrus.New()
	root := newRootCommand(log)
	if err := root.Execute(); err != nil {
		log.WithError(err).Error("run failed")
		os.Exit(1)
	}
}

func newRootCommand(log *logrus.Logger) *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:   "cosmo",
		Short: "Conditioned multi-task next-event prediction for process traces",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
		},
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug output")
	root.AddCommand(newTrainCommand(log))
	root.AddCommand(newEvaluateCommand(log))
	return root
}

// runOptions are the CLI knobs shared by train and evaluate.
type runOptions struct {
	configFile         string
	dataPath           string
	metricsFile        string
	continuousResource bool
}

func addRunFlags(cmd *cobra.Command, cfg *params.Config, opts *runOptions) {
	f := cmd.Flags()
	f.StringVar(&opts.configFile, "config", "", "YAML config file; flags override it")
	f.StringVar(&opts.dataPath, "data", "", "event log CSV path (required unless --dataset synthetic)")
	f.StringVar(&opts.metricsFile, "metrics-file", "", "append per-epoch metrics to this CSV")
	f.BoolVar(&opts.continuousResource, "continuous-resource", false, "treat the resource column as numeric instead of categorical")

	f.StringVar(&cfg.Dataset, "dataset", cfg.Dataset, "dataset name (use 'synthetic' for a generated toy log)")
	f.Float64Var(&cfg.LR, "lr", cfg.LR, "learning rate")
	f.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "batch size")
	f.Float64Var(&cfg.WeightDecay, "weight-decay", cfg.WeightDecay, "AdamW weight decay")
	f.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "training epochs")
	f.IntVar(&cfg.HiddenSize, "hidden-size", cfg.HiddenSize, "recurrent hidden width")
	f.IntVar(&cfg.NLayers, "n-layers", cfg.NLayers, "stacked recurrent layers")
	f.Float64Var(&cfg.GradClip, "grad-clip", cfg.GradClip, "gradient clipping threshold (<=0 disables)")
	f.StringVar((*string)(&cfg.Variant), "variant", string(cfg.Variant), "model variant: shared or specialized")
	f.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random seed for init and shuffling")
	f.BoolVar(&cfg.EnableScaler, "scaler", cfg.EnableScaler, "enable gradient scaling with overflow skip")
	f.StringVar(&cfg.CheckpointDir, "checkpoint-dir", cfg.CheckpointDir, "directory for gob checkpoints")
	f.StringVar(&cfg.ExperimentDB, "experiment-db", cfg.ExperimentDB, "sqlite run registry path")
}

func newTrainCommand(log *logrus.Logger) *cobra.Command {
	cfg := params.Default()
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model on an event log",
		Example: `  cosmo train --data logs/bpi20_permit.csv --dataset bpi20_permit
  cosmo train --dataset synthetic --epochs 2 --variant specialized`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := finishConfig(cmd, &cfg, &opts); err != nil {
				return err
			}
			run, err := setup(cfg, opts, log)
			if err != nil {
				return err
			}

			var skip bool
			if cfg.ExperimentDB != "" {
				skip, err = run.registerExperiment(cfg, log)
				if err != nil {
					return err
				}
			}
			if skip {
				log.WithField("run", run.name).Info("experiment exists, skipping")
				return nil
			}

			if opts.metricsFile != "" {
				run.engine.AddReporter(&engine.CSVReporter{Path: opts.metricsFile})
			}
			run.engine.AddReporter(&engine.LogReporter{Log: log})

			hist, err := run.engine.Train(run.trainLoader, run.testLoader)
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{
				"run":       run.name,
				"batches":   hist.TotalBatches,
				"skipped":   hist.SkippedSteps,
				"best_loss": hist.BestTestLoss,
			}).Info("training finished")
			return nil
		},
	}
	addRunFlags(cmd, &cfg, &opts)
	return cmd
}

func newEvaluateCommand(log *logrus.Logger) *cobra.Command {
	cfg := params.Default()
	var opts runOptions
	var checkpoint string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a checkpoint on the test split",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := finishConfig(cmd, &cfg, &opts); err != nil {
				return err
			}
			run, err := setup(cfg, opts, log)
			if err != nil {
				return err
			}
			if checkpoint != "" {
				if err := engine.LoadCheckpoint(checkpoint, run.model.Params()); err != nil {
					return err
				}
			}
			metrics, err := run.engine.Evaluate(run.testLoader)
			if err != nil {
				return err
			}
			fields := logrus.Fields{}
			for k, v := range metrics {
				fields[k] = v
			}
			log.WithFields(fields).Info("evaluation complete")
			return nil
		},
	}
	addRunFlags(cmd, &cfg, &opts)
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "gob checkpoint to load before evaluating")
	return cmd
}

// finishConfig layers the YAML file under explicitly-set flags and
// validates the result.
func finishConfig(cmd *cobra.Command, cfg *params.Config, opts *runOptions) error {
	if opts.configFile != "" {
		merged, err := params.Load(opts.configFile)
		if err != nil {
			return err
		}
		fl := cmd.Flags()
		if fl.Changed("dataset") {
			merged.Dataset = cfg.Dataset
		}
		if fl.Changed("lr") {
			merged.LR = cfg.LR
		}
		if fl.Changed("batch-size") {
			merged.BatchSize = cfg.BatchSize
		}
		if fl.Changed("weight-decay") {
			merged.WeightDecay = cfg.WeightDecay
		}
		if fl.Changed("epochs") {
			merged.Epochs = cfg.Epochs
		}
		if fl.Changed("hidden-size") {
			merged.HiddenSize = cfg.HiddenSize
		}
		if fl.Changed("n-layers") {
			merged.NLayers = cfg.NLayers
		}
		if fl.Changed("grad-clip") {
			merged.GradClip = cfg.GradClip
		}
		if fl.Changed("variant") {
			merged.Variant = cfg.Variant
		}
		if fl.Changed("seed") {
			merged.Seed = cfg.Seed
		}
		if fl.Changed("scaler") {
			merged.EnableScaler = cfg.EnableScaler
		}
		if fl.Changed("checkpoint-dir") {
			merged.CheckpointDir = cfg.CheckpointDir
		}
		if fl.Changed("experiment-db") {
			merged.ExperimentDB = cfg.ExperimentDB
		}
		*cfg = merged
	}
	return cfg.Validate()
}

// run bundles the constructed collaborators of one invocation.
type run struct {
	name        string
	model       model.Model
	engine      *engine.Engine
	trainLoader *eventlog.Loader
	testLoader  *eventlog.Loader
	registry    *experiment.Registry
}

// setup loads the log, builds the vocabulary from the training split only,
// and constructs datasets, model, and engine.
func setup(cfg params.Config, opts runOptions, log *logrus.Logger) (*run, error) {
	traces, err := loadTraces(cfg, opts)
	if err != nil {
		return nil, err
	}

	features := []string{"activity"}
	if !opts.continuousResource && hasResource(traces.Train) {
		features = append(features, "resource")
	}
	vocabs, err := vocab.Build(eventlog.Records(traces.Train), features)
	if err != nil {
		return nil, err
	}

	trainDS, err := eventlog.NewDataset(traces.Train, vocabs, cfg.PrefixLen)
	if err != nil {
		return nil, err
	}
	testDS, err := eventlog.NewDataset(traces.Test, vocabs, cfg.PrefixLen)
	if err != nil {
		return nil, err
	}
	trainLoader, err := eventlog.NewLoader(trainDS, cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	testLoader, err := eventlog.NewLoader(testDS, cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	m, err := model.New(cfg, vocabs, trainDS.NumFeatures(), rng)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"dataset":   cfg.Dataset,
		"variant":   cfg.Variant,
		"windows":   trainDS.NumWindows(),
		"features":  trainDS.NumFeatures(),
		"input_dim": m.InputDim(),
	}).Info("run configured")

	return &run{
		name:        experiment.RunName(cfg, trainDS.NumFeatures()),
		model:       m,
		engine:      engine.New(cfg, m, trainLoader.Batches(), log),
		trainLoader: trainLoader,
		testLoader:  testLoader,
	}, nil
}

func loadTraces(cfg params.Config, opts runOptions) (*eventlog.Log, error) {
	if cfg.Dataset == "synthetic" {
		rng := rand.New(rand.NewSource(cfg.Seed))
		return &eventlog.Log{
			Train: eventlog.Synthetic(64, 12, 6, rng),
			Test:  eventlog.Synthetic(16, 12, 6, rng),
		}, nil
	}
	if opts.dataPath == "" {
		return nil, errdefs.Config("dataset %q requires --data", cfg.Dataset)
	}
	return eventlog.ReadCSV(opts.dataPath)
}

func hasResource(traces []eventlog.Trace) bool {
	for _, tr := range traces {
		for _, ev := range tr.Events {
			if ev.Resource != "" {
				return true
			}
		}
	}
	return false
}

// registerExperiment opens the registry, short-circuits existing runs, and
// otherwise attaches the run's metric logger.
func (r *run) registerExperiment(cfg params.Config, log *logrus.Logger) (skip bool, err error) {
	reg, err := experiment.Open(cfg.ExperimentDB)
	if err != nil {
		// the registry is an external collaborator: degrade, don't abort
		log.WithError(err).Warn("experiment registry unavailable")
		return false, nil
	}
	r.registry = reg
	exists, err := reg.Exists(r.name)
	if err != nil {
		log.WithError(err).Warn("experiment lookup failed")
		return false, nil
	}
	if exists {
		return true, nil
	}
	runLog, err := reg.Create(r.name, cfg)
	if err != nil {
		log.WithError(err).Warn("experiment registration failed")
		return false, nil
	}
	r.engine.AddReporter(runLog)
	return false, nil
}
