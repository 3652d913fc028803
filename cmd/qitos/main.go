package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Qitor/qitos/internal/application"
	"github.com/Qitor/qitos/internal/infrastructure/config"
	"github.com/Qitor/qitos/internal/infrastructure/logger"
	"github.com/Qitor/qitos/internal/infrastructure/trace"
	"github.com/Qitor/qitos/internal/interfaces/board"
)

const (
	appName    = "qitos"
	appVersion = "0.3.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           appName,
		Short:         "QitOS trace tools",
		Long:          "QitOS trace tools: web board, run replay, and standalone HTML export",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	boardCmd := &cobra.Command{
		Use:   "board",
		Short: "Start the trace board",
		RunE:  runBoard,
	}
	boardCmd.Flags().String("logdir", "./runs", "trace runs root directory")
	boardCmd.Flags().String("host", "", "bind host (default from config)")
	boardCmd.Flags().Int("port", 0, "bind port (default from config)")

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Open one run in web replay mode",
		RunE:  runReplay,
	}
	replayCmd.Flags().String("run", "", "run directory path")
	replayCmd.Flags().String("host", "", "bind host (default from config)")
	replayCmd.Flags().Int("port", 0, "bind port (default from config)")
	_ = replayCmd.MarkFlagRequired("run")

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export one run to standalone HTML",
		RunE:  runExport,
	}
	exportCmd.Flags().String("run", "", "run directory path")
	exportCmd.Flags().String("html", "", "output html file path")
	_ = exportCmd.MarkFlagRequired("run")
	_ = exportCmd.MarkFlagRequired("html")

	rootCmd.AddCommand(boardCmd, replayCmd, exportCmd, &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if isUnknownCommand(err) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

func isUnknownCommand(err error) bool {
	var msg = err.Error()
	return len(msg) >= 15 && msg[:15] == "unknown command"
}

func setupBoard(cmd *cobra.Command, logDir string) (*application.App, context.Context, context.CancelFunc, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Board.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Board.Port = port
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	app, err := application.New(cfg, log, logDir)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	log.Info("starting",
		zap.String("name", appName),
		zap.String("version", appVersion),
		zap.String("logdir", logDir),
	)
	return app, ctx, cancel, nil
}

func runBoard(cmd *cobra.Command, args []string) error {
	logDir, _ := cmd.Flags().GetString("logdir")
	if _, err := os.Stat(logDir); err != nil {
		return fmt.Errorf("invalid logdir %q: %w", logDir, err)
	}
	app, ctx, cancel, err := setupBoard(cmd, logDir)
	if err != nil {
		return err
	}
	defer cancel()
	return app.Run(ctx)
}

func runReplay(cmd *cobra.Command, args []string) error {
	runDir, _ := cmd.Flags().GetString("run")
	if _, err := trace.NewReplaySession(runDir); err != nil {
		return fmt.Errorf("invalid run dir %q: %w", runDir, err)
	}

	logDir := filepath.Dir(filepath.Clean(runDir))
	app, ctx, cancel, err := setupBoard(cmd, logDir)
	if err != nil {
		return err
	}
	defer cancel()

	fmt.Printf("open: http://%s/replay/%s\n", boardAddr(cmd), filepath.Base(runDir))
	return app.Run(ctx)
}

func runExport(cmd *cobra.Command, args []string) error {
	runDir, _ := cmd.Flags().GetString("run")
	htmlPath, _ := cmd.Flags().GetString("html")

	session, err := trace.NewReplaySession(runDir)
	if err != nil {
		return fmt.Errorf("invalid run dir %q: %w", runDir, err)
	}
	html, err := board.RenderStandaloneHTML(session)
	if err != nil {
		return err
	}
	if err := os.WriteFile(htmlPath, html, 0o644); err != nil {
		return fmt.Errorf("write html: %w", err)
	}
	fmt.Printf("exported: %s\n", htmlPath)
	return nil
}

func boardAddr(cmd *cobra.Command) string {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = 8765
	}
	return fmt.Sprintf("%s:%d", host, port)
}
