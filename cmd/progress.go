package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/ikeda042/ND2toVideo/internal/pipeline"
	"github.com/schollz/progressbar/v3"
)

var stageLabels = map[pipeline.Stage]string{
	pipeline.StageExtract:  "🔬 Extracting",
	pipeline.StageAnnotate: "📏 Annotating",
	pipeline.StageEncode:   "🎞️  Encoding",
}

// barObserver draws one progress bar per pipeline stage.
type barObserver struct {
	w   io.Writer
	bar *progressbar.ProgressBar
}

func newBarObserver() *barObserver {
	return &barObserver{w: os.Stderr}
}

func (o *barObserver) StageStarted(stage pipeline.Stage, total int) {
	o.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription(stageLabels[stage]),
		progressbar.OptionSetWriter(o.w), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)
}

func (o *barObserver) FrameDone(stage pipeline.Stage, index int) {
	if o.bar != nil {
		o.bar.Add(1)
	}
}

func (o *barObserver) StageFinished(stage pipeline.Stage) {
	if o.bar != nil {
		o.bar.Finish()
		fmt.Fprintln(o.w)
		o.bar = nil
	}
}
