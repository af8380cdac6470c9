package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/notargets/SpMVKernel/comm"
	"github.com/notargets/SpMVKernel/config"
	"github.com/notargets/SpMVKernel/device"
	"github.com/notargets/SpMVKernel/gallery"
	"github.com/notargets/SpMVKernel/sparse"
	"github.com/notargets/SpMVKernel/utils"
	"github.com/notargets/SpMVKernel/vector"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Result is what rank 0 reports for one benchmark run.
type Result struct {
	Kind       string
	Rows       int
	NNZ        int
	Ranks      int
	Iterations int
	Transpose  bool
	Seconds    float64 // slowest rank
	MFlops     float64
	NormInf    float64
	Verified   bool
	MaxError   float64
	Imports    int // rank 0 plan, set when verifying
	Exports    int
}

func (r *Result) String() string {
	op := "A*x"
	if r.Transpose {
		op = "A^T*x"
	}
	s := fmt.Sprintf("%s %s: %d rows, %d nnz, %d ranks, %d iterations in %.4fs (%.1f MFLOP/s)",
		r.Kind, op, r.Rows, r.NNZ, r.Ranks, r.Iterations, r.Seconds, r.MFlops)
	if r.Verified {
		s += fmt.Sprintf(", max error %.3g", r.MaxError)
	}
	return s
}

func openRuntime(cfg *config.Config, logger *zap.Logger) (*comm.Runtime, error) {
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	return comm.Open(comm.Options{
		Backend: comm.Backend(cfg.Backend),
		Procs:   cfg.Ranks,
		Timeout: timeout,
		Logger:  logger,
	})
}

// generate builds the configured problem on one rank. The returned release
// function frees the matrix and any device.
func generate(ctx context.Context, c comm.Communicator, cfg *config.Config, logger *zap.Logger) (*gallery.Problem, func(), error) {
	spec, err := cfg.GallerySpec()
	if err != nil {
		return nil, nil, err
	}
	strategy, err := cfg.Strategy()
	if err != nil {
		return nil, nil, err
	}

	opts := []sparse.Option{sparse.WithLogger(logger)}
	if cfg.CollectiveCheck {
		opts = append(opts, sparse.WithCollectiveCheck())
	}
	release := func() {}
	if cfg.Device != "" {
		mode := cfg.Device
		if mode == "auto" {
			mode = ""
		}
		dev, err := device.Open(mode, logger)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, sparse.WithKernel(device.NewKernel(dev)))
		release = dev.Free
	}

	p, err := gallery.Generate(ctx, c, spec, strategy, opts...)
	if err != nil {
		release()
		return nil, nil, err
	}
	return p, func() {
		p.A.Close()
		release()
	}, nil
}

func runBench(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Result, error) {
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: promhttp.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	rt, err := openRuntime(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer rt.Close()

	var res *Result
	err = rt.Run(ctx, func(ctx context.Context, c comm.Communicator) error {
		rlog := utils.RankLogger(logger, c.Rank(), c.Size())
		p, release, err := generate(ctx, c, cfg, rlog)
		if err != nil {
			return err
		}
		defer release()

		if c.Rank() == 0 {
			stats := p.A.RowMap().Layout().PartitionStatistics()
			logger.Info("row layout",
				zap.String("strategy", cfg.Partition),
				zap.Int("min_rows", stats.MinRows),
				zap.Int("max_rows", stats.MaxRows),
				zap.Int("empty", stats.EmptyPartitions),
				zap.Float64("imbalance", stats.Imbalance))
		}

		r, err := benchRank(ctx, c, cfg, p)
		if err != nil {
			return err
		}
		if c.Rank() == 0 {
			res = r
			logger.Info("spmv benchmark",
				zap.String("kind", r.Kind),
				zap.Int("rows", r.Rows),
				zap.Int("nnz", r.NNZ),
				zap.Int("ranks", r.Ranks),
				zap.Float64("seconds", r.Seconds),
				zap.Float64("mflops", r.MFlops))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		// rank 0 lives in another process
		res = &Result{}
	}
	return res, nil
}

func benchRank(ctx context.Context, c comm.Communicator, cfg *config.Config, p *gallery.Problem) (*Result, error) {
	A := p.A
	x := p.Exact
	y := vector.New(c, A.RowMap())
	if cfg.Transpose {
		y = vector.New(c, A.DomainMap())
	}

	for i := 0; i < cfg.Warmup; i++ {
		if err := A.Multiply(ctx, x, y, cfg.Transpose); err != nil {
			return nil, err
		}
	}
	if err := c.Barrier(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	for i := 0; i < cfg.Iterations; i++ {
		if err := A.Multiply(ctx, x, y, cfg.Transpose); err != nil {
			return nil, err
		}
	}
	elapsed, err := comm.AllreduceFloats(ctx, c, comm.OpMax, []float64{time.Since(start).Seconds()})
	if err != nil {
		return nil, err
	}
	norm, err := A.NormInf(ctx)
	if err != nil {
		return nil, err
	}

	spec, _ := cfg.GallerySpec()
	r := &Result{
		Kind:       spec.Kind.String(),
		Rows:       A.NumGlobalRows(),
		NNZ:        A.GlobalNNZ(),
		Ranks:      c.Size(),
		Iterations: cfg.Iterations,
		Transpose:  cfg.Transpose,
		Seconds:    elapsed[0],
		NormInf:    norm,
	}
	if r.Seconds > 0 {
		r.MFlops = 2 * float64(r.NNZ) * float64(r.Iterations) / r.Seconds / 1e6
	}

	if cfg.Verify {
		plan, err := A.Plan(ctx)
		if err != nil {
			return nil, err
		}
		if err := plan.Verify(ctx); err != nil {
			return nil, err
		}
		st := plan.Stats()
		r.Imports, r.Exports = st.NumRemote, st.NumExport

		got, err := y.Gather(ctx)
		if err != nil {
			return nil, err
		}
		r.MaxError, err = referenceError(spec, got, cfg.Transpose)
		if err != nil {
			return nil, err
		}
		r.Verified = true
	}
	return r, nil
}

// referenceError returns the largest absolute difference between got and the
// single-process product of the same matrix with the exact solution.
func referenceError(spec gallery.Spec, got *mat.VecDense, transpose bool) (float64, error) {
	ref, err := gallery.Reference(spec)
	if err != nil {
		return 0, err
	}
	n, _ := spec.Rows()
	if n == 0 {
		return 0, nil
	}
	exact := mat.NewVecDense(n, nil)
	for g := 0; g < n; g++ {
		exact.SetVec(g, gallery.ExactSolution(g))
	}
	want := mat.NewVecDense(n, nil)
	ref.MulVecTo(want, transpose, exact)

	var maxErr float64
	for g := 0; g < n; g++ {
		maxErr = math.Max(maxErr, math.Abs(want.AtVec(g)-got.AtVec(g)))
	}
	return maxErr, nil
}

// exportMatrix writes DIR/matrix.<rank>.mtx for every rank.
func exportMatrix(ctx context.Context, cfg *config.Config, logger *zap.Logger, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	rt, err := openRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	return rt.Run(ctx, func(ctx context.Context, c comm.Communicator) error {
		rlog := utils.RankLogger(logger, c.Rank(), c.Size())
		p, release, err := generate(ctx, c, cfg, rlog)
		if err != nil {
			return err
		}
		defer release()

		path := filepath.Join(dir, fmt.Sprintf("matrix.%d.mtx", c.Rank()))
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := sparse.WriteMatrixMarket(f, p.A); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		rlog.Info("wrote matrix", zap.String("path", path), zap.Int("nnz", p.A.LocalNNZ()))
		return nil
	})
}
