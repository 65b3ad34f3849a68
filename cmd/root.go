package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/deepzoom/internal/job"
	"github.com/kiesman99/deepzoom/internal/logging"
	"github.com/kiesman99/deepzoom/internal/pool"
	"github.com/kiesman99/deepzoom/internal/pyramid"
	"github.com/kiesman99/deepzoom/internal/region"
	"github.com/kiesman99/deepzoom/internal/tiler"
	"github.com/kiesman99/deepzoom/pkg/tile"
)

var (
	cfgFile   string
	logCloser io.Closer
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "deepzoom",
	Short: "Cut large images into multi-resolution tile pyramids",
	Long: `deepzoom turns a large raster image into a pyramid of fixed-size tiles
for deep zoom viewers.

Level 0 is the coarsest level, the last level is the image at native
resolution. Tiles are addressed as level/column/row with row 0 at the top and
written to a directory, a blob bucket or a badger database.

Examples:
  # Tile a scan into ./tiles as JPEG
  deepzoom tile scan.tif -o tiles

  # PNG tiles with transparent padding, 512 pixels wide
  deepzoom tile scan.png -o tiles --format png --tile-size 512

  # Regenerate only level 5
  deepzoom tile scan.tif -o tiles --min-level 5 --max-level 5

  # Fetch the source over HTTP and write to a bucket
  deepzoom tile https://example.com/scan.jpg -o s3://my-bucket/scans/1

  # Show the pyramid of a 40000x30000 image
  deepzoom plan 40000 30000

  # Start HTTP server
  deepzoom serve --port 8080`,
	// If no subcommand is specified and we have args, run the tile command
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}
		return runTile(cmd, args)
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log, closer, err := logging.Setup(logging.Options{
			Level:      viper.GetString("log-level"),
			Format:     viper.GetString("log-format"),
			File:       viper.GetString("log-file"),
			MaxSizeMB:  viper.GetInt("log-max-size"),
			MaxAgeDays: viper.GetInt("log-max-age"),
		})
		if err != nil {
			return err
		}
		logCloser = closer
		slog.SetDefault(log)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.deepzoom.yaml)")

	// Logging
	pf.String("log-level", "info", "log level (debug|info|warn|error)")
	pf.String("log-format", "text", "log format (text|json)")
	pf.String("log-file", "", "write logs to a rotating file instead of stderr")
	pf.Int("log-max-size", 100, "maximum log file size in megabytes before rotation")
	pf.Int("log-max-age", 28, "days to keep rotated log files")

	// Tiling options
	pf.Int("tile-size", tiler.DefaultTileSize, "tile edge in pixels")
	pf.StringP("format", "f", "jpeg", "tile format (jpeg|png)")
	pf.String("background", "#808080", "padding color for opaque tile formats")
	pf.Int("quality", tiler.DefaultQuality, "JPEG quality (1-100)")
	pf.Int("max-levels", pyramid.DefaultMaxLevels, "maximum number of pyramid levels")
	pf.Int("slice-size", region.DefaultSliceSize, "edge of the native region decoded at once")
	pf.String("resample", region.DefaultResample.String(), "downsampling filter (nearest|approx-bilinear|bilinear|catmull-rom)")
	pf.Int("compute-threads", tiler.DefaultComputeThreads(), "concurrent decode and split tasks")
	pf.Int("io-threads", tiler.DefaultIOThreads, "concurrent tile writes")
	pf.Duration("shutdown-timeout", 30*time.Minute, "how long to wait for running tasks on exit")

	// HTTP options
	pf.String("user-agent", job.DefaultUserAgent, "HTTP User-Agent header for remote sources")

	viper.BindPFlags(pf)

	// Tile command flags on root for default behavior
	addTileFlags(rootCmd)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".deepzoom" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".deepzoom")
	}

	viper.SetEnvPrefix("deepzoom")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// tilerConfig builds the tiling parameters from flags, environment and
// config file. Pools are left to the caller.
func tilerConfig(log *slog.Logger) (tiler.Config, error) {
	format, err := tile.ParseFormat(viper.GetString("format"))
	if err != nil {
		return tiler.Config{}, err
	}
	background, err := tile.ParseColor(viper.GetString("background"))
	if err != nil {
		return tiler.Config{}, fmt.Errorf("invalid background: %w", err)
	}
	resample, err := region.ParseResample(viper.GetString("resample"))
	if err != nil {
		return tiler.Config{}, err
	}

	return tiler.Config{
		TileSize:   viper.GetInt("tile-size"),
		Format:     format,
		Background: background,
		Quality:    viper.GetInt("quality"),
		MaxLevels:  viper.GetInt("max-levels"),
		SliceSize:  viper.GetInt("slice-size"),
		Resample:   resample,
		Logger:     log,
	}, nil
}

// newTiler creates the worker pools and a tiler using them. The returned
// function shuts the pools down.
func newTiler(log *slog.Logger) (*tiler.Tiler, func() error, error) {
	cfg, err := tilerConfig(log)
	if err != nil {
		return nil, nil, err
	}

	computeThreads := viper.GetInt("compute-threads")
	ioThreads := viper.GetInt("io-threads")
	if computeThreads < 1 || ioThreads < 1 {
		return nil, nil, fmt.Errorf("thread counts must be positive (compute %d, io %d)", computeThreads, ioThreads)
	}
	cfg.Compute = pool.New("compute", computeThreads)
	cfg.IO = pool.New("io", ioThreads)

	shutdown := func() error {
		timeout := viper.GetDuration("shutdown-timeout")
		var errs []error
		// compute tasks submit IO tasks, so compute drains first
		for _, p := range []*pool.Pool{cfg.Compute, cfg.IO} {
			errs = append(errs, p.Shutdown(timeout))
			log.Debug("pool shut down", "pool", p.Name(), "size", p.Size(), "completed", p.Completed())
		}
		return errors.Join(errs...)
	}

	t, err := tiler.New(cfg)
	if err != nil {
		shutdown()
		return nil, nil, err
	}
	return t, shutdown, nil
}
