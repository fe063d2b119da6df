package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/marmos91/rawexport/internal/logger"
	"github.com/marmos91/rawexport/pkg/compress"
	"github.com/marmos91/rawexport/pkg/config"
	"github.com/marmos91/rawexport/pkg/export"
	"github.com/marmos91/rawexport/pkg/metrics"
	"github.com/marmos91/rawexport/pkg/reactor"
)

var (
	exportOutput string
	exportFormat string
)

var exportCmd = &cobra.Command{
	Use:   "export <source>",
	Short: "Export a file to an output descriptor",
	Long: `Export a regular file to standard output or to a destination file.

The transfer uses the cheapest strategy the destination supports: a
whole-file reflink clone, kernel-side sendfile chunks, or a buffered copy.
With --format gzip or zstd the stream is compressed on the fly (buffered
copy only).

Progress is published as X_EXPORT_PROGRESS=<percent> over $NOTIFY_SOCKET
when set.

Examples:
  # Export to stdout
  rawexport export /var/lib/machines/image.raw > image.raw

  # Export compressed to a file
  rawexport export --format zstd -o image.raw.zst /var/lib/machines/image.raw

  # Export with debug logging
  RAWEXPORT_LOGGING_LEVEL=DEBUG rawexport export /var/lib/machines/image.raw > image.raw`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "-", "Destination path (\"-\" for stdout)")
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "", "Compression format: none, gzip, zstd (default: from config)")
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	format := exportFormat
	if format == "" {
		format = cfg.Export.Format
	}
	kind, err := compress.ParseKind(format)
	if err != nil {
		return err
	}

	var exportMetrics metrics.ExportMetrics
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		exportMetrics = metrics.NewExportMetrics()
		startMetricsServer(cfg.Metrics.Port)
	}

	dstFd := int(os.Stdout.Fd())
	if exportOutput != "-" && exportOutput != "" {
		f, err := os.OpenFile(exportOutput, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		dstFd = int(f.Fd())
	}

	r, err := reactor.New()
	if err != nil {
		return err
	}
	defer r.Close()

	sessionCfg := export.Config{
		Reactor:       r,
		Metrics:       exportMetrics,
		PreserveTimes: cfg.Export.PreserveTimes,
		PreserveXattr: cfg.Export.PreserveXattr,
		ChunkSize:     int(cfg.Export.ChunkSize.Int64()),
	}
	session, err := export.New(sessionCfg)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Start(args[0], dstFd, kind); err != nil {
		return fmt.Errorf("failed to start export: %w", err)
	}

	code, err := r.Run()
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("export failed: %s", unix.Errno(-code))
	}

	return nil
}

// startMetricsServer serves the Prometheus exposition endpoint in the
// background. Errors are logged, not fatal: a busy metrics port should not
// stop an export.
func startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", logger.KeyError, err.Error())
		}
	}()
}
