package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/common-nighthawk/go-figure"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpusolver/fixtures"
	"github.com/fxnlabs/gpusolver/internal/api"
	"github.com/fxnlabs/gpusolver/internal/descriptor"
	"github.com/fxnlabs/gpusolver/internal/dtype"
	"github.com/fxnlabs/gpusolver/internal/gpu"
	"github.com/fxnlabs/gpusolver/internal/handlepool"
	"github.com/fxnlabs/gpusolver/internal/linalg"
	"github.com/fxnlabs/gpusolver/internal/logger"
	"github.com/fxnlabs/gpusolver/internal/service"
	"github.com/fxnlabs/gpusolver/internal/solver"
)

// session is a backend opened for one command.
type session struct {
	manager *gpu.Manager
	solver  *solver.Solver
	runner  *linalg.Runner
}

func openSession(c *cli.Context) (*session, error) {
	cfg := appConfig(c)
	log := appLogger(c)
	manager, err := gpu.NewManager(log, cfg.Backend.Kind)
	if err != nil {
		return nil, err
	}
	backend := manager.GetBackend()
	s := solver.New(backend, handlepool.New(backend, log), log)
	return &session{
		manager: manager,
		solver:  s,
		runner: linalg.NewRunner(s, linalg.Limits{
			SyevjMaxBatchedDim: cfg.Solver.SyevjMaxBatchedDim,
			MaxBatch:           cfg.Solver.MaxBatch,
			MaxDim:             cfg.Solver.MaxDim,
		}, log),
	}, nil
}

func (s *session) Close(log *zap.Logger) {
	if err := s.manager.Cleanup(); err != nil {
		log.Warn("Backend cleanup failed", zap.Error(err))
	}
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a default config file",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing file"},
		},
		Action: func(c *cli.Context) error {
			path := c.String("config")
			if _, err := os.Stat(path); err == nil && !c.Bool("force") {
				return errors.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := os.WriteFile(path, fixtures.ConfigTemplate, 0644); err != nil {
				return err
			}
			appLogger(c).Info("Wrote config", zap.String("path", path))
			return nil
		},
	}
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Show the selected backend and device",
		Action: func(c *cli.Context) error {
			s, err := openSession(c)
			if err != nil {
				return err
			}
			defer s.Close(appLogger(c))

			w := c.App.Writer
			fmt.Fprintln(w, figure.NewFigure("gpusolver", "", true).String())
			info := s.manager.GetDeviceInfo()
			fmt.Fprintf(w, "Backend:            %s\n", s.manager.GetBackendType())
			fmt.Fprintf(w, "GPU:                %t\n", s.manager.IsGPUAvailable())
			fmt.Fprintf(w, "Device:             %s\n", info.Name)
			fmt.Fprintf(w, "Compute capability: %s\n", info.ComputeCapability)
			fmt.Fprintf(w, "Total memory:       %d MB\n", info.TotalMemory/(1024*1024))
			fmt.Fprintf(w, "Available memory:   %d MB\n", info.AvailableMemory/(1024*1024))
			if info.DriverVersion != "" {
				fmt.Fprintf(w, "Driver:             %s\n", info.DriverVersion)
			}
			if info.CUDAVersion != "" {
				fmt.Fprintf(w, "CUDA:               %s\n", info.CUDAVersion)
			}
			fmt.Fprintf(w, "Solver library:     %s\n", info.SolverVersion)
			return nil
		},
	}
}

func targetsCommand() *cli.Command {
	return &cli.Command{
		Name:  "targets",
		Usage: "List the registered custom-call targets",
		Action: func(c *cli.Context) error {
			s, err := openSession(c)
			if err != nil {
				return err
			}
			defer s.Close(appLogger(c))
			for _, name := range s.solver.Targets() {
				fmt.Fprintln(c.App.Writer, name)
			}
			return nil
		},
	}
}

// builtDescriptor is the output of the descriptor command.
type builtDescriptor struct {
	Target     string `json:"target"`
	Lwork      int    `json:"lwork"`
	Descriptor string `json:"descriptor"`
}

func buildDescriptor(s *solver.Solver, op string, d dtype.Dtype, batch, m, n int, lower, computeUV, full bool) (int, []byte, error) {
	switch op {
	case "getrf":
		return s.BuildGetrfDescriptor(d, batch, m, n)
	case "syevd":
		return s.BuildSyevdDescriptor(d, lower, batch, n)
	case "syevj":
		return s.BuildSyevjDescriptor(d, lower, batch, n)
	case "gesvd":
		return s.BuildGesvdDescriptor(d, batch, m, n, computeUV, full)
	}
	return 0, nil, errors.Errorf("unknown op %q, want getrf, syevd, syevj or gesvd", op)
}

func descriptorCommand() *cli.Command {
	return &cli.Command{
		Name:  "descriptor",
		Usage: "Build an operation descriptor and print it as hex",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "op", Usage: "getrf, syevd, syevj or gesvd", Required: true},
			&cli.StringFlag{Name: "dtype", Value: "float32"},
			&cli.IntFlag{Name: "batch", Value: 1},
			&cli.IntFlag{Name: "m", Usage: "rows (getrf, gesvd)"},
			&cli.IntFlag{Name: "n", Usage: "columns, or the order of the matrix for eigensolvers", Required: true},
			&cli.BoolFlag{Name: "lower", Value: true},
			&cli.BoolFlag{Name: "compute-uv", Value: true},
			&cli.BoolFlag{Name: "full-matrices", Value: true},
		},
		Action: func(c *cli.Context) error {
			d, err := dtype.Parse(c.String("dtype"))
			if err != nil {
				return err
			}
			s, err := openSession(c)
			if err != nil {
				return err
			}
			defer s.Close(appLogger(c))

			op := strings.ToLower(c.String("op"))
			m := c.Int("m")
			if !c.IsSet("m") {
				m = c.Int("n")
			}
			lwork, blob, err := buildDescriptor(s.solver, op, d, c.Int("batch"), m, c.Int("n"),
				c.Bool("lower"), c.Bool("compute-uv"), c.Bool("full-matrices"))
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, builtDescriptor{
				Target:     "cusolver_" + op,
				Lwork:      lwork,
				Descriptor: hex.EncodeToString(blob),
			})
		},
	}
}

// decodeDescriptor renders a packed descriptor for op.
func decodeDescriptor(op string, blob []byte) (map[string]interface{}, error) {
	switch op {
	case "getrf":
		d, err := descriptor.Unpack[solver.GetrfDescriptor](blob)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"type": d.Type.String(), "batch": d.Batch, "m": d.M, "n": d.N,
		}, nil
	case "syevd", "syevj":
		var (
			t               dtype.ElementType
			uplo            gpu.FillMode
			batch, n, lwork int32
		)
		if op == "syevd" {
			d, err := descriptor.Unpack[solver.SyevdDescriptor](blob)
			if err != nil {
				return nil, err
			}
			t, uplo, batch, n, lwork = d.Type, d.Uplo, d.Batch, d.N, d.Lwork
		} else {
			d, err := descriptor.Unpack[solver.SyevjDescriptor](blob)
			if err != nil {
				return nil, err
			}
			t, uplo, batch, n, lwork = d.Type, d.Uplo, d.Batch, d.N, d.Lwork
		}
		return map[string]interface{}{
			"type": t.String(), "uplo": uplo.String(), "batch": batch, "n": n, "lwork": lwork,
		}, nil
	case "gesvd":
		d, err := descriptor.Unpack[solver.GesvdDescriptor](blob)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"type": d.Type.String(), "batch": d.Batch, "m": d.M, "n": d.N, "lwork": d.Lwork,
			"jobu": string(rune(d.Jobu)), "jobvt": string(rune(d.Jobvt)),
		}, nil
	}
	return nil, errors.Errorf("unknown op %q, want getrf, syevd, syevj or gesvd", op)
}

func decodeCommand() *cli.Command {
	return &cli.Command{
		Name:      "decode",
		Usage:     "Decode a hex descriptor produced by the descriptor command",
		ArgsUsage: "<hex>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "op", Usage: "getrf, syevd, syevj or gesvd", Required: true},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("expected exactly one hex descriptor")
			}
			blob, err := hex.DecodeString(c.Args().First())
			if err != nil {
				return errors.Wrap(err, "invalid hex")
			}
			fields, err := decodeDescriptor(strings.ToLower(c.String("op")), blob)
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, fields)
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run a decomposition request read from a JSON file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Value: "-", Usage: "Request file, - for stdin"},
		},
		Action: func(c *cli.Context) error {
			var (
				data []byte
				err  error
			)
			if path := c.String("input"); path == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(path)
			}
			if err != nil {
				return err
			}
			var req api.DecomposeRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return errors.Wrap(err, "invalid request")
			}

			s, err := openSession(c)
			if err != nil {
				return err
			}
			defer s.Close(appLogger(c))

			resp, err := api.Decompose(c.Context, s.runner, &req)
			if err != nil {
				return err
			}
			resp.ID = uuid.NewString()
			resp.Backend = s.manager.GetBackendType()
			return printJSON(c.App.Writer, resp)
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve decompositions over HTTP",
		Action: func(c *cli.Context) error {
			cfg := appConfig(c)
			log, err := logger.New(cfg.Logger.Verbosity)
			if err != nil {
				return err
			}
			defer log.Sync()

			app := fx.New(service.Options(cfg, log.Named("solver")))
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}
