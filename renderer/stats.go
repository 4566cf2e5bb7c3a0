package renderer

import (
	"bytes"
	"fmt"
	"time"

	"github.com/achilleasa/procrt/accel"
	"github.com/olekukonko/tablewriter"
)

type RaytracingStats struct {
	// Bottom-level structure stats.
	accel.Stats

	// Ray type counts with a cached top-level structure.
	RayTypeCounts []uint32

	// Number of times the acceleration structures were recreated after the
	// scene topology changed.
	Rebuilds uint32

	// Number of frames and dispatches since the renderer was created.
	Frames     uint32
	Dispatches uint32

	// Time spent in the last maintenance pass and the last dispatch.
	UpdateTime time.Duration
	TraceTime  time.Duration
}

// Build a tabular representation of the statistics.
func (s RaytracingStats) Table() string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Statistic", "Value"})
	table.Append([]string{"BLAS count", fmt.Sprintf("%d", s.BlasCount)})
	table.Append([]string{"Compacted BLAS", fmt.Sprintf("%d", s.BlasCompactedCount)})
	table.Append([]string{"BLAS memory", fmt.Sprintf("%d bytes", s.BlasMemoryInBytes)})
	table.Append([]string{"TLAS ray types", fmt.Sprintf("%v", s.RayTypeCounts)})
	table.Append([]string{"Rebuilds", fmt.Sprintf("%d", s.Rebuilds)})
	table.Append([]string{"Frames", fmt.Sprintf("%d", s.Frames)})
	table.Append([]string{"Dispatches", fmt.Sprintf("%d", s.Dispatches)})
	table.Append([]string{"Update time", s.UpdateTime.String()})
	table.Append([]string{"Trace time", s.TraceTime.String()})
	table.Render()
	return buf.String()
}
