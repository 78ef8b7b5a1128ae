// =============================================================================
// batchflowd — reference host process for the batchflow library
// =============================================================================
// Wires config, the scheduler's shared worker pool, a BatchResource, and
// the Unbatch/UnbatchGrad rendezvous resources together, then blocks until
// a shutdown signal. A real embedding application registers its own
// per-queue Executor and TensorOps binding in place of the identity demo
// queue registered here; batchflowd exists to prove the wiring compiles
// and runs end-to-end, and as a template for that embedding.
//
// Usage:
//
//	batchflowd serve                      # start the daemon
//	batchflowd serve --config path.yaml   # load a config file
//	batchflowd version                    # print version info
//	batchflowd health --addr addr         # poll /healthz
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agentflow-labs/batchflow/config"
	"github.com/agentflow-labs/batchflow/observability"
	"github.com/agentflow-labs/batchflow/resource"
	"github.com/agentflow-labs/batchflow/scheduler"
	"github.com/agentflow-labs/batchflow/status"
	"github.com/agentflow-labs/batchflow/tensor"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	httpAddr := fs.String("http-addr", ":9090", "/healthz and /metrics listen address")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting batchflowd",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	sink := observability.NewCollector(cfg.Telemetry.ServiceName, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	if cfg.Telemetry.Enabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	srv := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		logger.Info("serving /healthz", zap.String("addr", *httpAddr), zap.Bool("metrics_enabled", cfg.Telemetry.Enabled))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", zap.Error(err))
		}
	}()
	defer srv.Close()

	sched := scheduler.New(cfg.Scheduler.NumBatchThreads, sink, logger)
	defer sched.Close()

	br := resource.NewBatchResource(sched, tensor.CPUOps{}, resource.ExecutorFunc(identityExecutor), sink, nil, logger, resource.FunctionMode)

	for name, opts := range cfg.Queues {
		if st := br.AddQueue(name, opts); st != nil {
			logger.Fatal("failed to register configured queue", zap.String("queue", name), zap.String("status", st.Error()))
		}
		logger.Info("registered queue", zap.String("queue", name), zap.Int("max_batch_size", opts.MaxBatchSize))
	}
	if len(cfg.Queues) == 0 {
		demo := config.DefaultQueueOptions()
		if st := br.AddQueue("demo", demo); st != nil {
			logger.Fatal("failed to register demo queue", zap.String("status", st.Error()))
		}
		logger.Info("no queues configured; registered a demo queue with the identity executor", zap.String("queue", "demo"))
	}

	const unbatchTimeout = 10 * time.Second
	unbatch := resource.NewUnbatchResource(unbatchTimeout, tensor.CPUOps{}, logger)
	defer unbatch.Close()
	unbatchGrad := resource.NewUnbatchGradResource(tensor.CPUOps{}, logger)

	go demoUnbatchRoundtrip(logger, unbatch, unbatchGrad)

	logger.Info("batchflowd ready")
	waitForShutdown(logger)
	logger.Info("batchflowd stopped")
}

// identityExecutor is the demo queue's Executor: it echoes its
// concatenated arguments back unchanged, standing in for a real
// inference runtime so the wiring above can be exercised without one.
func identityExecutor(ctx context.Context, args []*tensor.Tensor) ([]*tensor.Tensor, error) {
	return args, nil
}

// demoUnbatchRoundtrip exercises both rendezvous resources end to end
// on startup: a waiter registers for one row of a legacy-mode split
// before the driving call carrying that split's data arrives, proving
// both the delayed-waiter and self-satisfying-driver paths wire up.
// A real deployment drives these from its own legacy-mode OnBatchClosed
// callback in place of this synthetic data.
func demoUnbatchRoundtrip(logger *zap.Logger, u *resource.UnbatchResource, g *resource.UnbatchGradResource) {
	const keyA, keyB = int64(1), int64(2)

	waiterDone := make(chan struct{})
	waiter := &logSink{logger: logger, label: "unbatch-demo-waiter"}
	if st := u.Compute(nil, nil, keyB, waiter, func() { close(waiterDone) }); st != nil {
		logger.Warn("unbatch demo: waiter registration failed", zap.String("status", st.Error()))
		return
	}

	split := tensor.New(tensor.Shape{2, 1})
	split.Data[0], split.Data[1] = 10, 20
	index := []resource.BatchIndexRow{{Key: keyA, Start: 0, End: 1}, {Key: keyB, Start: 1, End: 2}}
	driverDone := make(chan struct{})
	driver := &logSink{logger: logger, label: "unbatch-demo-driver"}
	if st := u.Compute(split, index, keyA, driver, func() { close(driverDone) }); st != nil {
		logger.Warn("unbatch demo: driver delivery failed", zap.String("status", st.Error()))
		return
	}
	<-waiterDone
	<-driverDone

	gradDone := make(chan struct{})
	gradWaiter := &logSink{logger: logger, label: "unbatch-grad-demo"}
	if st := g.Compute(nil, nil, rowScalar(100), keyB, &logSink{logger: logger, label: "unbatch-grad-demo-k2"}, func() {}); st != nil {
		logger.Warn("unbatch grad demo: deposit failed", zap.String("status", st.Error()))
		return
	}
	if st := g.Compute(split, index, rowScalar(200), keyA, gradWaiter, func() { close(gradDone) }); st != nil {
		logger.Warn("unbatch grad demo: driver deposit failed", zap.String("status", st.Error()))
		return
	}
	<-gradDone

	logger.Info("unbatch/unbatch-grad demo round-trip complete")
}

func rowScalar(v float64) *tensor.Tensor {
	t := tensor.New(tensor.Shape{1, 1})
	t.Data[0] = v
	return t
}

// logSink is a ResultSink that logs its delivered output/status instead
// of handing it back to a caller; used only by demoUnbatchRoundtrip.
type logSink struct {
	logger *zap.Logger
	label  string
}

func (s *logSink) SetOutput(index int, t *tensor.Tensor) {
	s.logger.Info("demo sink received output", zap.String("sink", s.label), zap.Int("index", index), zap.Ints("shape", t.Shape))
}

func (s *logSink) SetStatus(st *status.Status) {
	if st != nil && !status.Ok(st) {
		s.logger.Warn("demo sink received status", zap.String("sink", s.label), zap.String("status", st.Error()))
	}
}

func (s *logSink) NumOutputs() int { return 1 }

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:9090", "HTTP server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("batchflowd %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`batchflowd - batchflow reference host process

Usage:
  batchflowd <command> [options]

Commands:
  serve     Start the daemon
  version   Show version information
  health    Check the /healthz endpoint
  help      Show this help message

Options for 'serve':
  --config <path>      Path to configuration file (YAML)
  --http-addr <addr>   /healthz and /metrics listen address (default ":9090")

Examples:
  batchflowd serve
  batchflowd serve --config /etc/batchflow/config.yaml
  batchflowd health --addr http://localhost:9090`)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         cfg.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	if zapConfig.Encoding == "" {
		zapConfig.Encoding = "json"
	}

	logger, err := zapConfig.Build(zap.AddCaller())
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
