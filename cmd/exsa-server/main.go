// Command exsa-server wires internal/config, internal/logging,
// internal/model, internal/queue, internal/worker and internal/httpapi
// together into the running inference engine. Grounded on main/server.go's
// main()/setupFlags() for the wiring order, generalized from its stdlib
// flag.FlagSet to a cobra command tree in the style of the pack's
// cobra-based CLIs.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"exsa/internal/config"
	"exsa/internal/httpapi"
	"exsa/internal/llama"
	"exsa/internal/logging"
	"exsa/internal/model"
	"exsa/internal/queue"
	"exsa/internal/worker"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// drainTimeout is how long shutdown waits for in-flight requests to finish
// before forcing the process down (spec.md §5 "Shutdown").
const drainTimeout = 30 * time.Second

func main() {
	os.Exit(newRootCmd().run())
}

type rootFlags struct {
	envFile     string
	development bool
	logFile     string

	host string
	port int
}

func newRootCmd() *rootCommand {
	rc := &rootCommand{}

	root := &cobra.Command{
		Use:           "exsa-server",
		Short:         "Local LLM inference engine with an OpenAI-compatible HTTP surface",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&rc.flags.envFile, "env-file", ".env", "path to a .env file to load before reading configuration")
	root.PersistentFlags().BoolVar(&rc.flags.development, "dev", false, "enable development logging (debug level, console encoder)")
	root.PersistentFlags().StringVar(&rc.flags.logFile, "log-file", "", "path to a rotating log file; disabled when empty")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the inference server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rc.serve(context.Background())
		},
	}
	serve.Flags().StringVar(&rc.flags.host, "host", "", "override HOST from configuration")
	serve.Flags().IntVar(&rc.flags.port, "port", 0, "override PORT from configuration")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}

	root.AddCommand(serve, versionCmd)
	rc.cmd = root
	return rc
}

type rootCommand struct {
	cmd   *cobra.Command
	flags rootFlags
}

// run executes the command tree and maps any failure to a nonzero exit code
// (spec.md §6: "0 normal shutdown; nonzero on invalid config, bind failure,
// or unreadable model file").
func (rc *rootCommand) run() int {
	if err := rc.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "exsa-server:", err)
		return 1
	}
	return 0
}

func (rc *rootCommand) serve(ctx context.Context) error {
	if err := godotenv.Load(rc.flags.envFile); err != nil && rc.flags.envFile != ".env" {
		return fmt.Errorf("loading env file: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if rc.flags.host != "" {
		cfg.Host = rc.flags.host
	}
	if rc.flags.port != 0 {
		cfg.Port = rc.flags.port
	}

	logger := logging.New(logging.Config{
		Development: rc.flags.development,
		FilePath:    rc.flags.logFile,
	})
	defer logger.Sync() //nolint:errcheck

	if err := model.ValidateModelPath(cfg.ModelPath); err != nil {
		return fmt.Errorf("unreadable model file: %w", err)
	}

	manager := model.New(model.Config{
		Capacity:    4, // resident-model cache size; not exposed as a config knob yet
		ContextSize: cfg.ContextSize,
		BatchSize:   cfg.BatchSize,
		NumSeqMax:   cfg.Parallel,
		Threads:     cfg.Threads,
		KVCacheType: cfg.KVCacheType,
	}, llama.LoadModelFromFile)

	llama.BackendInit()
	name := model.ExtractModelName(cfg.ModelPath)
	logger.Info("loading model", zap.String("name", name), zap.String("path", cfg.ModelPath))
	if _, err := manager.Load(name, cfg.ModelPath, cfg.GPULayers); err != nil {
		return fmt.Errorf("loading model: %w", err)
	}
	if err := manager.Switch(name, func() bool { return true }); err != nil {
		return fmt.Errorf("activating model: %w", err)
	}

	q := queue.New(cfg.MaxQueueSize)
	w := worker.New(q, worker.Config{
		BatchSize:         cfg.BatchSize,
		ContextSize:       cfg.ContextSize,
		SlideThresholdPct: cfg.SlideThresholdPct,
		SlideTargetPct:    cfg.SlideTargetPct,
	}, llama.NewContextWithModel)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		w.Run(workerCtx)
	}()

	engine := httpapi.New(httpapi.Deps{
		Queue:               q,
		Models:              manager,
		Logger:              logger,
		DefaultSystemPrompt: cfg.DefaultSystemPrompt,
		ContextSize:         cfg.ContextSize,
		ModelsDir:           cfg.ModelsDir,
		Version:             version,
		StartTime:           time.Now(),
	})

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		cancelWorker()
		return fmt.Errorf("binding %s: %w", addr, err)
	}

	httpServer := &http.Server{Handler: engine}
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.Serve(listener)
	}()

	logger.Info("server listening", zap.String("addr", addr), zap.String("version", version))

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		cancelWorker()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	q.Close()
	waitForDrain(q, drainTimeout)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown did not complete cleanly", zap.Error(err))
	}

	cancelWorker()
	<-workerDone

	logger.Info("shutdown complete")
	return nil
}

// waitForDrain polls the active-request counter until it reaches zero or
// timeout elapses (spec.md §5 "Shutdown": "wait up to 30 seconds for the
// active-request counter to drop to zero; then force-terminate").
func waitForDrain(q *queue.Queue, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for q.ActiveCount() > 0 || q.PendingCount() > 0 {
		if time.Now().After(deadline) {
			return
		}
		<-ticker.C
	}
}
