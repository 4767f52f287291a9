// Command marge trains and evaluates surrogate regression networks.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-marge/config"
	"github.com/tsawler/go-marge/dataset"
	"github.com/tsawler/go-marge/pipeline"
	"github.com/tsawler/go-marge/records"
	"github.com/tsawler/go-marge/training"
)

var (
	v          = config.New()
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "marge",
	Short: "Surrogate model trainer",
	Long: `marge trains a feed-forward regression network that emulates an expensive
simulation. It computes normalization statistics, converts raw .npy shards
into record files, trains with a cyclical learning rate and checkpoint/resume,
and reports RMSE and R² in the original units of the targets.`,
	SilenceUsage: true,
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Run the full workflow: statistics, records, training and evaluation",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		p, err := pipeline.New(cfg, logger, os.Stdout)
		if err != nil {
			return err
		}
		summary, err := p.Run(cmd.Context())
		if summary != nil && summary.Training != nil {
			logger.WithFields(logrus.Fields{
				"phase":      summary.Training.Phase.String(),
				"best_loss":  summary.Training.BestLoss,
				"best_epoch": summary.Training.BestEpoch + 1,
			}).Info("Training summary")
		}
		return err
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate the saved weights on the enabled splits",
	RunE: func(cmd *cobra.Command, args []string) error {
		v.Set("training.trainflag", false)
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		p, err := pipeline.New(cfg, logger, nil)
		if err != nil {
			return err
		}
		_, err = p.Run(cmd.Context())
		return err
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Compute or load dataset sizes and normalization statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		p, err := pipeline.New(cfg, logger, nil)
		if err != nil {
			return err
		}
		sizes, st, err := p.Statistics(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("cases: train=%d valid=%d test=%d total=%d\n", sizes.Train, sizes.Valid, sizes.Test, sizes.Total())
		fmt.Printf("mean : %v\nstdev: %v\nmin  : %v\nmax  : %v\n", st.Mean, st.Stdev, st.Min, st.Max)
		return nil
	},
}

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Build record shards for every split that lacks them",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		p, err := pipeline.New(cfg, logger, nil)
		if err != nil {
			return err
		}
		prep, err := p.Prepare(cmd.Context())
		if err != nil {
			return err
		}
		for _, split := range dataset.Splits {
			files := prep.Records[split]
			cases := 0
			for _, f := range files {
				n, err := records.Verify(f, cfg.Data.InD, cfg.Data.OutD)
				if err != nil {
					return err
				}
				cases += n
			}
			fmt.Printf("%-5s %3d files %8d cases\n", split, len(files), cases)
		}
		return nil
	},
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "Write the default configuration as YAML",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "marge.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("Wrote default configuration to %s\n", path)
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Configuration file path (YAML)")
	flags.String("inputdir", "", "Directory for statistics and record files")
	flags.String("outputdir", "", "Directory for weights, archives and history")
	flags.String("datadir", "", "Directory holding train/, valid/ and test/ .npy shards")
	flags.Int("epochs", 0, "Maximum number of epochs")
	flags.Int("batch-size", 0, "Cases per batch")
	flags.Int("ncores", 0, "Worker goroutines (0 = logical cores)")
	flags.Bool("resume", false, "Resume from the last checkpoint")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.Bool("verbose", false, "Verbose output")

	bind := map[string]string{
		"paths.inputdir":      "inputdir",
		"paths.outputdir":     "outputdir",
		"paths.datadir":       "datadir",
		"training.epochs":     "epochs",
		"training.batch_size": "batch-size",
		"training.ncores":     "ncores",
		"training.resume":     "resume",
		"output.log_level":    "log-level",
		"output.verbose":      "verbose",
	}
	for key, name := range bind {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(trainCmd, evaluateCmd, statsCmd, convertCmd, initConfigCmd)
}

func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := setupLogger(cfg.Output)
	if from := cfg.LoadedFrom(); from != "" {
		logger.WithField("file", from).Debug("Loaded configuration")
	}
	return cfg, logger, nil
}

func setupLogger(cfg config.OutputConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
	if cfg.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

func main() {
	// SIGINT and SIGTERM are handled by the training loop, which stops at the
	// next epoch boundary
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, training.ErrResume) {
			fmt.Fprintln(os.Stderr, "Run without --resume to start a fresh training run.")
		}
		os.Exit(1)
	}
}
