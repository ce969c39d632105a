package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/export"
	"image-compressor-go/internal/ingest"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/raster"
	"image-compressor-go/internal/statistics"
	"image-compressor-go/internal/web"
	"image-compressor-go/internal/workspace"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	outputDir string
	quality   int
	verbose   bool
	quiet     bool
	port      int
)

// rootCmd compresses the given files and directories in one batch.
var rootCmd = &cobra.Command{
	Use:   "image-compressor [paths...]",
	Short: "Batch-compress images to bounded-size JPEGs",
	Long: `image-compressor resizes images so that their longest edge is at most
2048 pixels and re-encodes them as JPEG at a chosen quality.

Features:
- Accepts JPEG, PNG, GIF and WebP input
- Normalises EXIF orientation before resizing
- Never upscales small images
- Processes one image at a time; a failing image never stops the batch
- Reports per-image and aggregate size savings
- Web interface with live progress (serve)`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(cmd, args)
	},
}

// serveCmd starts the web interface server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start web interface server",
	Long: `Starts a local web server with a graphical interface.
The web interface allows you to:
- Drop images into an in-memory workspace
- Adjust the global or per-image quality
- Compress one image or the whole batch with live progress
- Download results one by one or as a zip

Nothing is written to disk; closing the server discards the workspace.
Access the interface at http://localhost:<port> (default: 8080)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

// probeCmd prints what compression would do to one file.
var probeCmd = &cobra.Command{
	Use:   "probe <file>",
	Short: "Show the dimensions an image would be compressed to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProbe(args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")
	rootCmd.PersistentFlags().IntVar(&quality, "quality", config.DefaultQuality, "JPEG quality (10-100)")

	rootCmd.Flags().StringVar(&outputDir, "output", "", "directory for compressed files (default: ./compressed)")

	serveCmd.Flags().IntVar(&port, "port", 0, "port to run web server on (default: 8080)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(probeCmd)
}

// runCompress ingests every path, compresses all images and writes them out.
func runCompress(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg)

	sources, err := collectSources(args)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return errors.New("no image files found")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws := workspace.New(cfg, log, raster.NewImagingBackend(), nil)

	report := ws.Ingest(ctx, sources)
	for _, rejected := range report.Rejected {
		fmt.Fprintf(os.Stderr, "Skipped %v\n", rejected)
	}
	if len(report.Accepted) == 0 {
		return errors.New("none of the given files could be read as images")
	}

	bar := progressbar.NewOptions(len(report.Accepted),
		progressbar.OptionSetDescription("Compressing"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetVisibility(!quiet),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "#",
			SaucerPadding: "-",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	result, err := ws.CompressAll(ctx, func(done, total int, last compressor.ItemResult) {
		if last.Name != "" {
			bar.Describe(last.Name)
		}
		_ = bar.Set(done)
	})
	_ = bar.Finish()
	if err != nil {
		return fmt.Errorf("compression failed: %w", err)
	}

	saver := export.NewDirSaver(cfg.Export.OutputDir)
	// Export runs even after an interrupt so finished work is not lost.
	if _, err := ws.DownloadAll(context.WithoutCancel(ctx), saver); err != nil {
		log.Errorf("Some files could not be written: %v", err)
	}

	ws.Stats().Finalize()
	if !quiet {
		printResults(ws, result, saver)
	}

	if result.Cancelled {
		return errors.New("interrupted")
	}
	if result.Failed > 0 {
		return fmt.Errorf("%d of %d images failed", result.Failed, len(report.Accepted))
	}
	return nil
}

func printResults(ws *workspace.Workspace, result compressor.BatchResult, saver *export.DirSaver) {
	fmt.Println()
	for _, ir := range result.Items {
		switch {
		case ir.Error != nil:
			fmt.Printf("  FAIL  %s: %v\n", ir.Name, ir.Error)
		case ir.Discarded:
		default:
			fmt.Printf("  OK    %s  %s -> %s  (%d%%)\n", ir.Name,
				statistics.FormatBytes(ir.OriginalSize),
				statistics.FormatBytes(ir.CompressedSize),
				ir.PercentageSaved)
		}
	}

	if paths := saver.Paths(); len(paths) > 0 {
		fmt.Printf("\nWrote %d files to %s\n", len(paths), saver.Dir)
	}
	fmt.Println("\n" + ws.Summary().String())
	fmt.Println("\n" + ws.Stats().GetSummary())
	if ws.Stats().ErrorCount() > 0 {
		fmt.Println("\n" + ws.Stats().GetErrorSummary())
	}
}

// collectSources expands directories into the image files they contain.
// Files named explicitly are always included so that rejections are reported.
func collectSources(paths []string) ([]ingest.Source, error) {
	var sources []ingest.Source
	add := func(path string) error {
		src, err := ingest.NewFileSource(path)
		if err != nil {
			return err
		}
		sources = append(sources, src)
		return nil
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", p, err)
		}
		if !info.IsDir() {
			if err := add(p); err != nil {
				return nil, err
			}
			continue
		}

		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != p && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") || !isImageExtension(path) {
				return nil
			}
			return add(path)
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", p, err)
		}
	}
	return sources, nil
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
}

func isImageExtension(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

// runProbe reports the native and target dimensions of one file.
func runProbe(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	info, err := raster.Probe(data)
	if err != nil {
		return fmt.Errorf("not a supported image: %w", err)
	}

	w, h := raster.TargetSize(info.Width, info.Height, config.DefaultMaxDimension)
	fmt.Printf("File:    %s\n", path)
	fmt.Printf("Format:  %s\n", info.Format)
	fmt.Printf("Size:    %s\n", statistics.FormatBytes(int64(len(data))))
	fmt.Printf("Native:  %dx%d\n", info.Width, info.Height)
	fmt.Printf("Output:  %dx%d\n", w, h)
	return nil
}

// runServe starts the web server and handles graceful shutdown.
func runServe(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CONFIG LOAD ERROR: %v\n", err)
		cfg = config.DefaultConfig()
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	log := setupLogger(cfg)
	ws := workspace.New(cfg, log, raster.NewImagingBackend(), nil)
	server := web.NewServer(cfg, log, ws)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Start(cfg.Server.Port); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	fmt.Printf("Image Compressor web interface started\n")
	fmt.Printf("Open your browser and go to: http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("Press Ctrl+C to stop the server\n\n")

	<-sigChan
	fmt.Println("\nShutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	ws.Clear()

	fmt.Println("Server stopped")
	return nil
}

// loadConfig loads configuration and applies CLI overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("quality") {
		if err := config.ValidateQuality(quality); err != nil {
			return nil, err
		}
		cfg.Compression.DefaultQuality = quality
	}
	if outputDir != "" {
		cfg.Export.OutputDir = outputDir
	}
	return cfg, nil
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.LoggerConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
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
