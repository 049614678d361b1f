// Package export writes migration records in the formats the importer
// consumes: one JSON object per line while migrating, and a single JSON
// array of validated records for a batch import.
package export

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/cidermigrate/internal/record"
)

// maxLine bounds a single NDJSON record. Resources with long notes run to a
// few hundred kilobytes.
const maxLine = 16 << 20

// WriteNDJSON writes rec as one canonical JSON line.
func WriteNDJSON(w io.Writer, rec record.Object) error {
	data, err := record.Encode(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// Validator checks one record. *validation.Validator implements it.
type Validator interface {
	Validate(rec record.Object) error
}

// Counts summarizes a FilterValid pass.
type Counts struct {
	Read     int
	Written  int
	Rejected int
}

// FilterValid reads NDJSON records from in and writes the ones v accepts to
// out as a JSON array. Rejected records are logged and skipped. Blank lines
// are ignored. A line that is not a JSON object is an error.
func FilterValid(in io.Reader, out io.Writer, v Validator) (Counts, error) {
	var counts Counts

	bw := bufio.NewWriter(out)
	if _, err := bw.WriteString("["); err != nil {
		return counts, err
	}

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		counts.Read++

		var rec record.Object
		if err := rec.UnmarshalJSON(raw); err != nil {
			return counts, fmt.Errorf("line %d: %w", line, err)
		}

		if err := v.Validate(rec); err != nil {
			counts.Rejected++
			slog.Warn("record failed validation, skipping",
				"type", rec.Str("jsonmodel_type"),
				"id", rec.Str("id"),
				"error", err)
			continue
		}

		data, err := record.Encode(rec)
		if err != nil {
			return counts, fmt.Errorf("line %d: %w", line, err)
		}
		if counts.Written > 0 {
			if err := bw.WriteByte(','); err != nil {
				return counts, err
			}
		}
		if _, err := bw.Write(data); err != nil {
			return counts, err
		}
		counts.Written++
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return counts, fmt.Errorf("line %d: record exceeds %d bytes", line+1, maxLine)
		}
		return counts, err
	}

	if _, err := bw.WriteString("]"); err != nil {
		return counts, err
	}
	if err := bw.Flush(); err != nil {
		return counts, err
	}

	slog.Info("validation finished",
		"read", counts.Read,
		"written", counts.Written,
		"rejected", counts.Rejected)
	return counts, nil
}
