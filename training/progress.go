package training

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/tsawler/go-dti/model"
)

// ProgressBar draws one line per training pass. With a batch size set the
// rate is reported in samples per second, otherwise in batches.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	batchSize   int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a bar over total batches of batchSize samples each.
func NewProgressBar(out io.Writer, description string, total, batchSize int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		batchSize:   batchSize,
		startTime:   time.Now(),
		width:       40,
		metrics:     make(map[string]float64),
	}
}

// Update moves the bar to step and merges metrics into the shown values
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the bar and ends the line
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) fraction() float64 {
	if pb.total <= 0 {
		return 1
	}
	return math.Min(float64(pb.current)/float64(pb.total), 1)
}

func (pb *ProgressBar) render() {
	frac := pb.fraction()
	filled := int(frac * float64(pb.width))

	var b strings.Builder
	fmt.Fprintf(&b, "\r%s: %3.0f%%|%s%s| %d/%d", pb.description, frac*100,
		strings.Repeat("█", filled), strings.Repeat(" ", pb.width-filled), pb.current, pb.total)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	if frac > 0 && frac < 1 {
		eta = time.Duration(float64(elapsed)/frac) - elapsed
	}
	fmt.Fprintf(&b, " [%s<%s", formatDuration(elapsed), formatDuration(eta))

	if rate, unit := pb.rate(elapsed); rate > 0 {
		fmt.Fprintf(&b, ", %.2f%s", rate, unit)
	}

	keys := maps.Keys(pb.metrics)
	slices.Sort(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, ", %s=%.4f", key, pb.metrics[key])
	}
	b.WriteString("]")

	fmt.Fprint(pb.out, b.String())
}

// rate is zero until the first batch completes
func (pb *ProgressBar) rate(elapsed time.Duration) (float64, string) {
	if pb.current == 0 || elapsed <= 0 {
		return 0, ""
	}
	if pb.batchSize > 0 {
		return float64(pb.current*pb.batchSize) / elapsed.Seconds(), "samples/s"
	}
	return float64(pb.current) / elapsed.Seconds(), "batch/s"
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// PrintParameters writes a table of the model's parameter tensors
func PrintParameters(out io.Writer, modelName string, params []*model.Param) {
	fmt.Fprintf(out, "Model Parameters:\n")
	fmt.Fprintf(out, "%s(\n", modelName)

	var total int64
	for _, p := range params {
		total += int64(len(p.Data))
		fmt.Fprintf(out, "  (%s): %v\n", p.Name, p.Shape)
	}

	fmt.Fprintf(out, ")\n")
	fmt.Fprintf(out, "Total parameters: %s\n", formatParameterCount(total))
	fmt.Fprintf(out, "Params size (MB): %.3f\n", float64(total*8)/1024/1024)
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}
