// Command spmvbench times the distributed sparse matrix-vector multiply on a
// generated model problem.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/notargets/SpMVKernel/config"
	"github.com/notargets/SpMVKernel/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	cfg        *config.Config
	logger     *zap.Logger

	flagBackend, flagPartition, flagKind, flagTimeout string
	flagDevice, flagLogLevel, flagMetricsAddr         string
	flagRanks, flagIterations, flagWarmup             int
	flagN, flagNx, flagNy                             int
	flagVerify, flagTranspose, flagCheck              bool
)

var rootCmd = &cobra.Command{
	Use:   "spmvbench",
	Short: "Benchmark the distributed sparse matrix-vector multiply",
	Long: `spmvbench generates a model matrix distributed over a group of ranks,
multiplies it repeatedly and reports the rate achieved by the slowest rank.

Settings come from the YAML file named by --config; flags override it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		applyFlags(cmd)
		if err := cfg.Validate(); err != nil {
			return err
		}
		if logger, err = utils.NewLogger(cfg.Logging.Level); err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := runBench(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), res)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export DIR",
	Short: "Write the generated matrix as one MatrixMarket file per rank",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return exportMatrix(cmd.Context(), cfg, logger, args[0])
	},
}

var configCmd = &cobra.Command{
	Use:   "config FILE",
	Short: "Write the effective configuration to FILE",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cfg.Save(args[0])
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "spmvbench.yaml", "configuration file")
	pf.StringVar(&flagBackend, "backend", "", "process group backend (local, mpi)")
	pf.IntVarP(&flagRanks, "ranks", "n", 0, "ranks hosted in-process by the local backend")
	pf.StringVar(&flagPartition, "partition", "", "row layout (block, round-robin, weighted)")
	pf.StringVar(&flagTimeout, "timeout", "", "per-call communication timeout, 0 disables")
	pf.StringVar(&flagKind, "kind", "", "matrix kind (laplace1d, laplace2d, tridiag, diagonal)")
	pf.IntVar(&flagN, "size", 0, "order of the 1D kinds")
	pf.IntVar(&flagNx, "nx", 0, "grid width for laplace2d")
	pf.IntVar(&flagNy, "ny", 0, "grid height for laplace2d")
	pf.StringVar(&flagDevice, "device", "", "OCCA mode for the local kernel, or auto")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level")
	pf.StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	pf.BoolVar(&flagCheck, "collective-check", false, "agree on every multiply before exchanging")

	f := rootCmd.Flags()
	f.IntVarP(&flagIterations, "iterations", "i", 0, "timed multiplies")
	f.IntVar(&flagWarmup, "warmup", 0, "untimed multiplies before timing")
	f.BoolVar(&flagVerify, "verify", false, "compare the result with a single-process reference")
	f.BoolVar(&flagTranspose, "transpose", false, "time the transpose multiply")

	rootCmd.AddCommand(exportCmd, configCmd)
}

// applyFlags copies every flag set on the command line over the loaded
// configuration.
func applyFlags(cmd *cobra.Command) {
	changed := cmd.Flags().Changed
	if changed("backend") {
		cfg.Backend = flagBackend
	}
	if changed("ranks") {
		cfg.Ranks = flagRanks
	}
	if changed("partition") {
		cfg.Partition = flagPartition
	}
	if changed("timeout") {
		cfg.Timeout = flagTimeout
	}
	if changed("kind") {
		cfg.Gallery.Kind = flagKind
	}
	if changed("size") {
		cfg.Gallery.N = flagN
	}
	if changed("nx") {
		cfg.Gallery.Nx = flagNx
	}
	if changed("ny") {
		cfg.Gallery.Ny = flagNy
	}
	if changed("device") {
		cfg.Device = flagDevice
	}
	if changed("log-level") {
		cfg.Logging.Level = flagLogLevel
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = flagMetricsAddr
	}
	if changed("collective-check") {
		cfg.CollectiveCheck = flagCheck
	}
	if changed("iterations") {
		cfg.Iterations = flagIterations
	}
	if changed("warmup") {
		cfg.Warmup = flagWarmup
	}
	if changed("verify") {
		cfg.Verify = flagVerify
	}
	if changed("transpose") {
		cfg.Transpose = flagTranspose
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
