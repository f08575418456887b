package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/ikeda042/ND2toVideo/internal/nd2"
	"github.com/ikeda042/ND2toVideo/internal/pipeline"
	"github.com/ikeda042/ND2toVideo/internal/utils"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info [file.nd2]",
	Short: "Show the axes, sizes and pixel layout of an ND2 file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		path := pipeline.DefaultOptions().InputPath
		if len(args) == 1 {
			path = args[0]
		}
		if err := runInfo(cmd.OutOrStdout(), path); err != nil {
			utils.ShowError("Failed to read ND2 file", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(out io.Writer, path string) error {
	rd, err := nd2.Open(path)
	if err != nil {
		return err
	}
	defer rd.Close()

	fmt.Fprintf(out, "📄 %s\n", path)
	fmt.Fprintf(out, "Axes:  %s\n", strings.Join(rd.Axes(), ", "))
	fmt.Fprintf(out, "Sizes: %s\n\n", rd.Sizes())

	a := rd.Attributes()
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ATTRIBUTE\tVALUE")
	fmt.Fprintln(w, "---------\t-----")
	fmt.Fprintf(w, "Width\t%d\n", a.Width)
	fmt.Fprintf(w, "Height\t%d\n", a.Height)
	fmt.Fprintf(w, "Row bytes\t%d\n", a.WidthBytes)
	fmt.Fprintf(w, "Bits per component\t%d (%d significant)\n", a.BitsPerComponent, a.SignificantBits)
	fmt.Fprintf(w, "Components\t%d\n", a.Components)
	fmt.Fprintf(w, "Sequences\t%d\n", a.SequenceCount)
	if cal := rd.Calibration(); cal > 0 {
		fmt.Fprintf(w, "Pixel size\t%g µm\n", cal)
	} else {
		fmt.Fprintln(w, "Pixel size\tuncalibrated")
	}

	images := 0
	for _, name := range rd.ChunkNames() {
		if nd2.IsImageChunk(name) {
			images++
		}
	}
	fmt.Fprintf(w, "Image chunks\t%d\n", images)
	return w.Flush()
}
