package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/deepzoom/internal/pyramid"
	"github.com/kiesman99/deepzoom/pkg/tile"
)

var planCmd = &cobra.Command{
	Use:   "plan (<width> <height> | --source <image>)",
	Short: "Show the pyramid an image would produce",
	Long: `Show the levels, sub-sample factors and tile grids an image would
produce with the current tiling options, without decoding any pixels.

Examples:
  deepzoom plan 40000 30000
  deepzoom plan --source scan.tif --tile-size 512
  deepzoom plan 10000 10000 --json`,
	Args: cobra.RangeArgs(0, 2),
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)

	planCmd.Flags().String("source", "", "read the dimensions from an image file")
	planCmd.Flags().Bool("json", false, "print the plan as JSON")
}

func runPlan(cmd *cobra.Command, args []string) error {
	dims, err := planDimensions(cmd, args)
	if err != nil {
		return err
	}

	tileSize := viper.GetInt("tile-size")
	if tileSize < 1 {
		return fmt.Errorf("tile size must be positive, got %d", tileSize)
	}
	strategy := pyramid.Default{TileSize: tileSize, MaxLevels: viper.GetInt("max-levels")}
	levels := pyramid.Describe(strategy, dims.Width, dims.Height, tileSize)

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(levels)
	}

	fmt.Fprintf(out, "%s image, %dpx tiles, %d levels, %s tiles\n",
		dims, tileSize, len(levels), humanize.Comma(int64(pyramid.TotalTiles(levels))))
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "level\tfactor\twidth\theight\tcolumns\trows\ttiles\t")
	for _, l := range levels {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%s\t\n",
			l.Level, l.Factor, l.Width, l.Height, l.Columns, l.Rows, humanize.Comma(int64(l.Tiles)))
	}
	return tw.Flush()
}

func planDimensions(cmd *cobra.Command, args []string) (tile.Dimensions, error) {
	if source, _ := cmd.Flags().GetString("source"); source != "" {
		if len(args) != 0 {
			return tile.Dimensions{}, fmt.Errorf("give either --source or width and height")
		}
		data, err := os.ReadFile(source)
		if err != nil {
			return tile.Dimensions{}, err
		}
		dims, _, err := tile.DecodeConfig(data)
		return dims, err
	}

	if len(args) != 2 {
		return tile.Dimensions{}, fmt.Errorf("width and height are required")
	}
	w, err := strconv.Atoi(args[0])
	if err != nil {
		return tile.Dimensions{}, fmt.Errorf("invalid width: %v", err)
	}
	h, err := strconv.Atoi(args[1])
	if err != nil {
		return tile.Dimensions{}, fmt.Errorf("invalid height: %v", err)
	}
	dims := tile.Dimensions{Width: w, Height: h}
	if !dims.Valid() {
		return tile.Dimensions{}, fmt.Errorf("dimensions must be positive, got %s", dims)
	}
	return dims, nil
}
