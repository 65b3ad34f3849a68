package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/deepzoom/internal/job"
	"github.com/kiesman99/deepzoom/internal/tiler"
)

var tileFlags = []string{"output", "clean", "min-level", "max-level"}

var tileCmd = &cobra.Command{
	Use:   "tile <source>",
	Short: "Build a tile pyramid from an image",
	Long: `Build a tile pyramid from an image file, standard input ("-") or an
http(s) URL.

The output is a directory (default), file://, mem://, gs:// or s3:// bucket
URL, or badger://<dir> for a badger database.

Examples:
  deepzoom tile scan.tif -o tiles
  cat scan.png | deepzoom tile - -o tiles --format png
  deepzoom tile scan.tif -o badger:///var/lib/deepzoom/scan --clean`,
	Args: cobra.ExactArgs(1),
	RunE: runTile,
}

func init() {
	rootCmd.AddCommand(tileCmd)
	addTileFlags(tileCmd)
}

func addTileFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", "tiles", "tile destination")
	cmd.Flags().Bool("clean", false, "remove existing tiles at the destination first")
	cmd.Flags().Int("min-level", 0, "first level to generate")
	cmd.Flags().Int("max-level", -1, "last level to generate (-1 for the finest level)")
}

func runTile(cmd *cobra.Command, args []string) error {
	// root and tile share the flag names, bind the ones of the running command
	for _, name := range tileFlags {
		viper.BindPFlag(name, cmd.Flags().Lookup(name))
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

	maxLevel := viper.GetInt("max-level")
	if maxLevel < 0 {
		maxLevel = tiler.AllLevels
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := job.NewRunner(t, viper.GetString("user-agent"), log)
	rep, err := runner.Run(ctx, job.Options{
		Source:   args[0],
		Output:   viper.GetString("output"),
		Clean:    viper.GetBool("clean"),
		MinLevel: viper.GetInt("min-level"),
		MaxLevel: maxLevel,
	})

	var jobErr *job.Error
	if errors.As(err, &jobErr) && jobErr.Stage != job.StageTiling {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d levels, %s tiles written, %s failed in %s\n",
		rep.Output, rep.ZoomLevels,
		humanize.Comma(rep.TilesWritten), humanize.Comma(rep.TilesFailed), rep.Duration)
	return err
}
