package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"image-compressor-go/internal/blob"
	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/report"
	"image-compressor-go/internal/session"
	"image-compressor-go/internal/statistics"
	"image-compressor-go/internal/web"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	outputDir string
	verbose   bool
	quiet     bool
	port      int
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "image-compressor",
	Short: "Shrink images under a size and dimension limit",
	Long: `ImageCompressor re-encodes JPEG, PNG and WEBP images so they fit
within a maximum file size (default 1 MB) and a maximum dimension
(default 800px), stepping quality down first and scale second.

The closest achievable result is kept when the size limit cannot be met.`,
	SilenceUsage: true,
}

// compressCmd compresses a single image file.
var compressCmd = &cobra.Command{
	Use:   "compress <file>",
	Short: "Compress one image and write <name>-compressed.<ext>",
	Long: `Compresses the given image with the configured policy and writes the
result next to the input (or into --output) using the derived name,
e.g. photo.png becomes photo-compressed.png.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(args[0])
	},
}

// serveCmd starts the web interface server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start web interface server",
	Long: `Starts an HTTP server exposing the compressor:
- POST /api/sessions creates a session
- POST /api/sessions/{id}/image uploads an image (multipart field "file")
- POST /api/sessions/{id}/compress starts compression
- GET  /ws?session={id} streams progress
- GET  /api/blobs/{handle} downloads the result`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	compressCmd.Flags().StringVar(&outputDir, "output", "", "directory for the compressed file (default: next to the input)")
	serveCmd.Flags().IntVar(&port, "port", 0, "port to run web server on (default from config, 8080)")

	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(serveCmd)
}

// runCompress runs one session end to end for a file.
func runCompress(path string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := setupLogger(cfg)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	declared := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))

	stats := statistics.NewStatistics()
	engine := compressor.NewDefaultCompressor(cfg.Policy(), log)
	worker := compressor.NewWorker(engine, log)
	worker.Start()
	defer worker.Stop()

	store := blob.NewStore()
	ctrl := session.New(session.Options{
		Runner: worker,
		Store:  store,
		Sink:   progressPrinter(),
		Limits: cfg.Limits(),
		Stats:  stats,
		Log:    logger.WithSession(log, "cli"),
	})
	defer ctrl.Close()

	if err := ctrl.SelectFile(filepath.Base(path), declared, data); err != nil {
		return fmt.Errorf("cannot compress %s: %w", path, err)
	}
	if _, err := ctrl.StartCompression(); err != nil {
		return fmt.Errorf("failed to start compression: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	snap, err := ctrl.Wait(ctx)
	if err != nil {
		return fmt.Errorf("interrupted: %w", err)
	}
	if snap.State != session.StateComplete {
		return fmt.Errorf("compression failed: %w", snap.Err)
	}

	entry, err := store.Get(snap.Handle)
	if err != nil {
		return fmt.Errorf("result unavailable: %w", err)
	}

	dir := outputDir
	if dir == "" {
		dir = cfg.Output.Directory
	}
	if dir == "" {
		dir = filepath.Dir(path)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	outPath := filepath.Join(dir, snap.DownloadName)
	if err := os.WriteFile(outPath, entry.Data, 0644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	if !quiet {
		fmt.Println(report.Render(report.Rows(snap, outPath)))
	}
	return nil
}

// runServe starts the web server and handles graceful shutdown.
func runServe() error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CONFIG LOAD ERROR: %v\n", err)
		cfg = config.DefaultConfig()
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	log := setupLogger(cfg)
	stats := statistics.NewStatistics()
	engine := compressor.NewDefaultCompressor(cfg.Policy(), log)
	worker := compressor.NewWorker(engine, log)
	worker.Start()
	defer worker.Stop()

	server := web.NewServer(cfg, log, worker, blob.NewStore(), stats)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Start(cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	fmt.Printf("ImageCompressor web interface listening on http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("Press Ctrl+C to stop the server\n\n")

	<-sigChan
	fmt.Println("\nShutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if !quiet {
		fmt.Println("\n" + stats.GetSummary())
		fmt.Println(stats.GetMimeTypeBreakdown())
		fmt.Println(stats.GetErrorSummary())
	}
	fmt.Println("Server stopped gracefully")
	return nil
}

// progressPrinter reports controller progress on stderr.
func progressPrinter() session.EventSink {
	return session.SinkFunc(func(ev session.Event) {
		if quiet {
			return
		}
		switch ev.Type {
		case session.EventProgress:
			fmt.Fprintf(os.Stderr, "\rProgress: %3d%%", ev.Snapshot.Progress)
		case session.EventCompleted:
			fmt.Fprintln(os.Stderr)
		case session.EventFailed:
			fmt.Fprintf(os.Stderr, "\nCompression error: %v\n", ev.Err)
		}
	})
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.LoggerConfig{
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
		Console:    !quiet,
	}

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
