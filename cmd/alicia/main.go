// Command alicia is the reference host app: it starts one provider
// session under policy, streams its output, and mirrors the child's exit
// code. The GUI layer talks to the same runtime over the websocket feed;
// this binary is the minimal headless driver of that runtime.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alicia-run/alicia/internal/audit"
	"github.com/alicia-run/alicia/internal/auditindex"
	"github.com/alicia-run/alicia/internal/hostconfig"
	"github.com/alicia-run/alicia/internal/ids"
	"github.com/alicia-run/alicia/internal/policy"
	"github.com/alicia-run/alicia/internal/runtime"
	"github.com/alicia-run/alicia/internal/session"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	var (
		configFile    string
		sessionID     string
		cwd           string
		mode          string
		auditPath     string
		cancelAfterMs int
		approve       bool
	)

	rootCmd := &cobra.Command{
		Use:   "alicia [flags] -- <program> [args...]",
		Short: "Local control plane for AI coding-agent CLIs",
		Long:  "Alicia: spawn a provider CLI under a permission profile, stream its output,\nand record every policy decision in an append-only audit log.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode, err := runSession(configFile, sessionID, cwd, mode, auditPath, cancelAfterMs, approve, args)
			if err != nil {
				return err
			}
			os.Exit(exitCode)
			return nil
		},
	}

	rootCmd.Flags().StringVarP(&configFile, "config", "c", "alicia.yaml", "Path to host config file")
	rootCmd.Flags().StringVar(&sessionID, "session-id", "", "Session id (generated when omitted)")
	rootCmd.Flags().StringVar(&cwd, "cwd", ".", "Working directory for the child (must be inside the workspace)")
	rootCmd.Flags().StringVar(&mode, "mode", "auto", "Spawn mode: auto, pty, or pipe")
	rootCmd.Flags().StringVar(&auditPath, "audit-path", "", "Audit log path (overrides config)")
	rootCmd.Flags().IntVar(&cancelAfterMs, "cancel-after-ms", 0, "Cancel the session after this many milliseconds (0 = never)")
	rootCmd.Flags().BoolVar(&approve, "approve", false, "Treat the command as explicitly approved by the operator")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("alicia %s (%s)\n", version, commit)
		},
	}

	reindexCmd := &cobra.Command{
		Use:   "reindex <audit.jsonl> <index.db>",
		Short: "Rebuild the sqlite audit index from the JSONL audit log",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReindex(args[0], args[1])
		},
	}

	rootCmd.AddCommand(versionCmd, reindexCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if bm, ok := err.(interface{ BeginnerMessage() string }); ok {
			fmt.Fprintf(os.Stderr, "%s\n", bm.BeginnerMessage())
		}
		os.Exit(1)
	}
}

func runSession(configFile, sessionID, cwd, mode, auditPath string, cancelAfterMs int, approve bool, command []string) (int, error) {
	cfg, err := hostconfig.Load(configFile)
	if err != nil {
		return 1, err
	}
	logger := newLogger(cfg.Server.LogLevel)

	if sessionID == "" {
		sessionID = ids.NewSessionID()
	}
	if auditPath == "" {
		auditPath = cfg.Audit.Path
	}

	auditLog, err := audit.Open(auditPath, logger)
	if err != nil {
		return 1, err
	}
	defer auditLog.Close()

	workspaceRoot, err := os.Getwd()
	if err != nil {
		return 1, fmt.Errorf("failed to determine workspace root: %w", err)
	}

	manager := session.NewManager(logger)
	rt := runtime.New(manager, workspaceRoot, cfg.Terminal.MaxScrollbackLines, logger).
		WithAuditLogger(auditLog)

	if cfg.Server.Websocket {
		broadcaster := runtime.NewBroadcaster(logger, cfg.Server.AllowAllOrigins)
		rt.WithBroadcaster(broadcaster)
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", broadcaster.HandleWebSocket)
		go func() {
			if err := http.ListenAndServe(cfg.Server.BindAddress, mux); err != nil {
				logger.Error("websocket server stopped", "error", err)
			}
		}()
		logger.Info("websocket feed listening", "address", cfg.Server.BindAddress)
	}

	var hint policy.ApprovalDecision
	if approve {
		hint = policy.Approved
	}

	request := runtime.StartRequest{
		SessionID:    sessionID,
		Program:      command[0],
		Args:         command[1:],
		Cwd:          cwd,
		Mode:         session.Mode(mode),
		ApprovalHint: hint,
	}

	if err := rt.StartSession(context.Background(), request); err != nil {
		return 1, err
	}

	// An interrupt signals the child; the wait loop below then observes
	// its CommandFinished and records the outcome like any other exit.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("interrupt received, stopping session", "session_id", sessionID)
		_ = manager.Stop(sessionID)
	}()

	// Single-threaded drive loop: the store is single-owner, so output
	// mirroring, cancellation, and exit handling all happen here rather
	// than on separate goroutines.
	var cancelDeadline time.Time
	if cancelAfterMs > 0 {
		cancelDeadline = time.Now().Add(time.Duration(cancelAfterMs) * time.Millisecond)
	}

	printed := 0
	for {
		rt.PumpEvents()
		printed = printNewLines(rt, sessionID, printed)

		if terminal, ok := rt.Store().TerminalSession(sessionID); ok && !terminal.Lifecycle.Running {
			if err := rt.RecordSessionOutcome(sessionID); err != nil {
				return 1, err
			}
			return exitCodeFor(terminal.Lifecycle.ExitCode), nil
		}

		if cancelAfterMs > 0 && time.Now().After(cancelDeadline) {
			if err := rt.StopSession(sessionID); err != nil {
				if _, gone := err.(*session.NotFoundError); !gone {
					return 1, err
				}
				// The child beat the cancel to the finish line; loop
				// around and handle the natural exit.
				continue
			}
			printNewLines(rt, sessionID, printed)
			terminal, ok := rt.Store().TerminalSession(sessionID)
			if !ok {
				return 1, nil
			}
			return exitCodeFor(terminal.Lifecycle.ExitCode), nil
		}

		time.Sleep(25 * time.Millisecond)
	}
}

// exitCodeFor mirrors the child's exit code, mapping the negative codes a
// signal-terminated child reports to 1.
func exitCodeFor(code int32) int {
	if code < 0 {
		return 1
	}
	return int(code)
}

// printNewLines mirrors scrollback growth since the last call onto
// stdout so the headless binary behaves like a plain command runner.
func printNewLines(rt *runtime.UiRuntime, sessionID string, printed int) int {
	terminal, ok := rt.Store().TerminalSession(sessionID)
	if !ok {
		return printed
	}
	lines := terminal.VisibleLines()
	for ; printed < len(lines); printed++ {
		fmt.Println(lines[printed])
	}
	return printed
}

func runReindex(jsonlPath, indexPath string) error {
	index, err := auditindex.Open(indexPath)
	if err != nil {
		return err
	}
	defer index.Close()

	if err := index.Initialize(); err != nil {
		return err
	}
	inserted, err := index.RebuildFromJSONL(jsonlPath)
	if err != nil {
		return err
	}
	fmt.Printf("indexed %d audit records\n", inserted)
	return nil
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
}
