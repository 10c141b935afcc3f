package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// printJSON writes a backend payload followed by a newline. Pretty output
// is indented; otherwise the payload is compacted. An empty payload prints
// nothing.
func printJSON(w io.Writer, payload json.RawMessage, pretty bool) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}

	// Non-JSON layout output is printed as is.
	if !json.Valid(payload) {
		_, err := fmt.Fprintln(w, strings.TrimRight(string(payload), "\n"))

		return err
	}

	var buf bytes.Buffer

	var err error
	if pretty {
		err = json.Indent(&buf, payload, "", "  ")
	} else {
		err = json.Compact(&buf, payload)
	}

	if err != nil {
		return fmt.Errorf("formatting response: %w", err)
	}

	buf.WriteByte('\n')

	_, err = w.Write(buf.Bytes())

	return err
}

// writeJSON encodes v as indented JSON, used for --json output of local
// data such as the endpoint table.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}

	return nil
}

// formatTime returns a compact timestamp for display.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	now := time.Now()

	// Same calendar day: show "15:04:05"
	if y, m, d := t.Date(); y == now.Year() && m == now.Month() && d == now.Day() {
		return t.Format("15:04:05")
	}

	return t.Format("Jan _2 2006 15:04")
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}
