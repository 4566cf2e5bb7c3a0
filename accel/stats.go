package accel

import (
	"bytes"
	"fmt"

	"github.com/olekukonko/tablewriter"
)

// Bottom-level structure statistics.
type Stats struct {
	BlasCount          uint32
	BlasCompactedCount uint32
	BlasMemoryInBytes  uint64
}

// Build a tabular representation of the statistics.
func (s Stats) Table() string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Statistic", "Value"})
	table.Append([]string{"BLAS count", fmt.Sprintf("%d", s.BlasCount)})
	table.Append([]string{"Compacted BLAS", fmt.Sprintf("%d", s.BlasCompactedCount)})
	table.Append([]string{"BLAS memory", fmtBytes(s.BlasMemoryInBytes)})
	table.Render()
	return buf.String()
}

// Format a byte count with the appropriate byte/kb/mb unit.
func fmtBytes(size uint64) string {
	totalBytes := float64(size)
	if totalBytes < 1e3 {
		return fmt.Sprintf("%d bytes", size)
	} else if totalBytes < 1e6 {
		return fmt.Sprintf("%.1f kb", totalBytes/1e3)
	}
	return fmt.Sprintf("%.1f mb", totalBytes/1e6)
}
