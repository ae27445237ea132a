package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	json "github.com/json-iterator/go"
)

const (
	formatTable = "table"
	formatCSV   = "csv"
)

func validateFormat(format string) error {
	switch format {
	case formatTable, formatCSV:
		return nil
	}
	return fmt.Errorf("unsupported output format %q (want table or csv)", format)
}

// newTable returns a writer that renders to out once renderTable is called.
func newTable(out io.Writer, header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(header)
	tw.SetStyle(table.StyleLight)
	return tw
}

func renderTable(tw table.Writer, format string) {
	if format == formatCSV {
		tw.RenderCSV()
		return
	}
	tw.Render()
}

func writeJSON(out io.Writer, v any) error {
	data, err := json.ConfigCompatibleWithStandardLibrary.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode JSON output: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

// formatTime renders t in UTC, or "-" when unset.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// truncate shortens s to n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
