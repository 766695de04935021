// Package export writes order sequences as CSV for download.
package export

import (
	"encoding/csv"
	"fmt"
	"io"

	"stocksim/internal/domain"
)

// utf8BOM lets spreadsheet applications detect the encoding.
const utf8BOM = "\ufeff"

// Options controls the CSV layout.
type Options struct {
	// BOM prefixes the output with a UTF-8 byte order mark.
	BOM bool
	// Delimiter separates fields. Zero selects a comma.
	Delimiter rune
}

// DefaultOptions returns the download defaults: BOM on, comma separated.
func DefaultOptions() Options {
	return Options{BOM: true, Delimiter: ','}
}

// Header returns the union of raw record keys across events, in the order
// they are first seen.
func Header(events []domain.OrderEvent) []string {
	seen := make(map[string]struct{})
	var header []string
	for i := range events {
		for _, k := range events[i].Raw.Keys() {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			header = append(header, k)
		}
	}
	return header
}

// WriteCSV writes one row per event with the columns returned by Header.
// Values are written as they appeared in the source record: strings
// unquoted, numbers and booleans literally, null and missing keys empty.
func WriteCSV(w io.Writer, events []domain.OrderEvent, opts Options) error {
	if opts.BOM {
		if _, err := io.WriteString(w, utf8BOM); err != nil {
			return fmt.Errorf("writing bom: %w", err)
		}
	}

	cw := csv.NewWriter(w)
	if opts.Delimiter != 0 {
		cw.Comma = opts.Delimiter
	}

	header := Header(events)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	row := make([]string, len(header))
	for i := range events {
		for j, k := range header {
			row[j] = events[i].Raw.String(k)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing row %d: %w", i, err)
		}
	}

	cw.Flush()
	return cw.Error()
}
