package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/deepzoom/internal/job"
	"github.com/kiesman99/deepzoom/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for the tiling API",
	Long: `Start an HTTP server that provides a REST API for tiling jobs.

All jobs share one set of worker pools sized by --compute-threads and
--io-threads.

Clients name local sources and outputs relative to --source-root and
--output-root. Without a root the matching kind of local path is refused,
leaving http(s) sources and mem, gs, s3 or in-memory badger outputs.
Browsers may call the API only from origins listed with --cors-origin.

Examples:
  # Start server on default port 8080
  deepzoom serve

  # Start server on custom port
  deepzoom serve --port 3000

  # Start server with custom bind address
  deepzoom serve --bind 0.0.0.0 --port 8080

  # Serve scans from /data/scans and write pyramids under /data/tiles
  deepzoom serve --source-root /data/scans --output-root /data/tiles \
    --cors-origin https://viewer.example.com`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server configuration
	serveCmd.Flags().StringP("bind", "b", "localhost", "bind address")
	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	serveCmd.Flags().Duration("timeout", 10*time.Minute, "request timeout")
	serveCmd.Flags().String("source-root", "", "directory local sources are read from (empty disables local sources)")
	serveCmd.Flags().String("output-root", "", "directory local outputs are written under (empty disables local outputs)")
	serveCmd.Flags().StringSlice("cors-origin", nil, "origin allowed to call the API from a browser (repeatable)")

	// Bind flags to viper
	viper.BindPFlag("server.bind", serveCmd.Flags().Lookup("bind"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.timeout", serveCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("server.source-root", serveCmd.Flags().Lookup("source-root"))
	viper.BindPFlag("server.output-root", serveCmd.Flags().Lookup("output-root"))
	viper.BindPFlag("server.cors-origins", serveCmd.Flags().Lookup("cors-origin"))
}

// serverOptions reads the path roots and CORS origins. Roots are made
// absolute so relative client paths never depend on the working directory.
func serverOptions() (server.Options, error) {
	opts := server.Options{CORSOrigins: viper.GetStringSlice("server.cors-origins")}
	for _, root := range []struct {
		key string
		dst *string
	}{
		{"server.source-root", &opts.SourceRoot},
		{"server.output-root", &opts.OutputRoot},
	} {
		dir := viper.GetString(root.key)
		if dir == "" {
			continue
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return opts, fmt.Errorf("%s: %w", root.key, err)
		}
		*root.dst = abs
	}
	return opts, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	bind := viper.GetString("server.bind")
	port := viper.GetInt("server.port")
	timeout := viper.GetDuration("server.timeout")

	addr := fmt.Sprintf("%s:%d", bind, port)
	opts, err := serverOptions()
	if err != nil {
		return err
	}

	log := slog.Default()
	t, shutdown, err := newTiler(log)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(); err != nil {
			log.Error("pool shutdown", "error", err)
		}
	}()

	apiServer := server.NewServer(Version, t, job.NewRunner(t, viper.GetString("user-agent"), log), opts, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.ErrOrStderr(), "Starting deepzoom server on %s\n", addr)
	fmt.Fprintf(cmd.ErrOrStderr(), "Health check: http://%s/api/v1/health\n", addr)
	fmt.Fprintf(cmd.ErrOrStderr(), "Tile endpoint: http://%s/api/v1/tile\n", addr)
	fmt.Fprintf(cmd.ErrOrStderr(), "Pyramid endpoint: http://%s/api/v1/pyramid\n", addr)

	err = server.ListenAndServe(ctx, addr, apiServer.Routes(timeout), timeout, 10*time.Second)
	fmt.Fprintf(cmd.ErrOrStderr(), "\nServer stopped\n")
	return err
}
