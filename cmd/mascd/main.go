// Command mascd runs the MASC coordination daemon: a room.Engine bound to a
// configured storage backend, its supervisory GC loops, a Walph work-loop
// supervisor, the Event Streaming Fabric, and the websocket/MCP transports
// that expose them. Grounded on teranos-QNTX/cmd/qntx/main.go's
// cobra root command plus logger-init-before-anything-runs shape, trimmed
// of the plugin registry QNTX wires in at the same spot.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/maschq/masc/internal/audit"
	"github.com/maschq/masc/internal/clock"
	"github.com/maschq/masc/internal/config"
	"github.com/maschq/masc/internal/logger"
	"github.com/maschq/masc/internal/room"
	"github.com/maschq/masc/internal/session"
	"github.com/maschq/masc/internal/storage"
	"github.com/maschq/masc/internal/storage/filebackend"
	"github.com/maschq/masc/internal/storage/sqlbackend"
	"github.com/maschq/masc/internal/streaming"
	"github.com/maschq/masc/internal/supervisor"
	"github.com/maschq/masc/internal/transport/mcp"
	"github.com/maschq/masc/internal/transport/ws"
	"github.com/maschq/masc/internal/walph"
)

var (
	cfgPath   string
	jsonLogs  bool
	walphCmd  string
	walphArgs []string
)

var rootCmd = &cobra.Command{
	Use:   "mascd",
	Short: "mascd - Multi-Agent Streaming Coordination daemon",
	Long: `mascd runs a coordination room for cooperating agents: a shared
task board, file locks, broadcast messages, votes and portals, backed by a
pluggable storage backend and exposed over websocket and MCP transports.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordination daemon (websocket transport)",
	RunE:  runServe,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP stdio transport only",
	RunE:  runMCP,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a masc.toml config file (default: search system/user/project config)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit structured JSON logs instead of console output")
	rootCmd.PersistentFlags().StringVar(&walphCmd, "walph-command", "", "external command Walph iterations dispatch to (e.g. an agent CLI binary)")
	rootCmd.PersistentFlags().StringArrayVar(&walphArgs, "walph-arg", nil, "argument passed to --walph-command (repeatable)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgPath != "" {
		return config.LoadFromFile(cfgPath)
	}
	return config.Load()
}

type daemon struct {
	cfg        *config.Config
	backend    storage.Backend
	engine     *room.Engine
	gate       *session.Gate
	fabric     *streaming.Fabric
	supervisor *supervisor.Supervisor
	walph      *walph.Supervisor
	audit      *audit.Log
}

func buildDaemon(cfg *config.Config) (*daemon, error) {
	clk := clock.Real{}

	var backend storage.Backend
	switch cfg.Storage.Backend {
	case "sql":
		b, err := sqlbackend.Open(cfg.Storage.Path, clk)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		b, err := filebackend.New(cfg.Storage.Path, cfg.Auth.Enabled, clk)
		if err != nil {
			return nil, err
		}
		backend = b
	}

	fabric := streaming.New(clk)

	var auditLog *audit.Log
	var engineOpts []room.Option
	engineOpts = append(engineOpts, room.WithNotifier(fabric))
	if cfg.Auth.Enabled {
		a, err := audit.Open(cfg.Storage.Path + "/audit.jsonl")
		if err != nil {
			return nil, err
		}
		auditLog = a
		engineOpts = append(engineOpts, room.WithAuditLog(a))
	}

	engine := room.New(backend, clk, cfg.BasePath, engineOpts...)

	gate, err := session.New(clk, session.Config{
		TokenTTL:             time.Duration(cfg.Auth.TokenTTLSecs) * time.Second,
		RateLimitPerSecond:   cfg.RateLimit.RatePerSecond,
		RateLimitBurst:       cfg.RateLimit.Burst,
		IdempotencyWindow:    time.Minute,
		IdempotencyCacheSize: 1024,
	})
	if err != nil {
		return nil, err
	}

	cancelTokens := gate.Cancellation()
	sup := supervisor.New(engine, clk, supervisor.Config{
		CleanupInterval:   time.Duration(cfg.Supervisor.CleanupIntervalSecs) * time.Second,
		ZombieThreshold:   time.Duration(cfg.Supervisor.ZombieThresholdSecs) * time.Second,
		CancelTokenMaxAge: time.Duration(cfg.Supervisor.CancelTokenMaxAgeSec) * time.Second,
	}, cancelTokens)

	var executor walph.Executor
	if walphCmd != "" {
		executor = walph.NewSubprocessExecutor(walphCmd, walphArgs...)
	} else {
		executor = noopExecutor{}
	}
	wsup := walph.New(engine, clk, executor)

	return &daemon{
		cfg:        cfg,
		backend:    backend,
		engine:     engine,
		gate:       gate,
		fabric:     fabric,
		supervisor: sup,
		walph:      wsup,
		audit:      auditLog,
	}, nil
}

// noopExecutor lets the daemon start with Walph wired but idle when no
// --walph-command is configured. Its Run never succeeds: it blocks until ctx
// is done and then returns ctx.Err(), so the loop reports the claimed task as
// failed and leaves it claimed.
type noopExecutor struct{}

func (noopExecutor) Run(ctx context.Context, prompt string, deadline time.Time) (bool, string, error) {
	<-ctx.Done()
	return false, "", ctx.Err()
}

func (d *daemon) Close() {
	if d.audit != nil {
		d.audit.Close()
	}
	d.backend.Close()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d, err := buildDaemon(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d.supervisor.Start(ctx)
	defer d.supervisor.Stop()

	hub := ws.NewHub(d.fabric)
	go hub.Run(ctx)

	httpServer := &http.Server{
		Addr:    cfg.Server.BindAddress,
		Handler: hub,
	}
	go func() {
		logger.Logger.Infow("websocket transport listening", "addr", cfg.Server.BindAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Logger.Errorw("websocket transport exited", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Logger.Infow("shutting down")

	hub.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSecs)*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d, err := buildDaemon(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	d.supervisor.Start(ctx)
	defer d.supervisor.Stop()

	srv := mcp.New(d.engine, d.gate, d.fabric, d.walph)
	return srv.Serve()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
