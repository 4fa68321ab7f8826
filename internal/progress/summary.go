package progress

import (
	"fmt"
	"io"
)

// FileSummary describes one written output file.
type FileSummary struct {
	Name  string
	Size  int64
	Lines int
}

// PrintSummary writes one line per output file followed by a total.
func PrintSummary(w io.Writer, files []FileSummary) {
	var total int64
	for _, f := range files {
		fmt.Fprintf(w, "[pakfetch] %-24s %10s %8d lines\n", f.Name, formatBytes(f.Size), f.Lines)
		total += f.Size
	}
	fmt.Fprintf(w, "[pakfetch] %d files, %s\n", len(files), formatBytes(total))
}
