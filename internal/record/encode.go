package record

import (
	"bytes"
	"encoding/json"
	"errors"

	"golang.org/x/text/unicode/norm"
)

// Encode produces the output form of a resolved record: sorted keys, NFC
// normalized strings, no HTML escaping. It fails with *UnresolvedError if a
// PromiseRef is still present anywhere in the body.
func Encode(obj Object) ([]byte, error) {
	return marshalValue(obj, false)
}

// IsUnresolved reports whether err came from encoding a record that still
// holds a placeholder.
func IsUnresolved(err error) bool {
	var ue *UnresolvedError
	return errors.As(err, &ue)
}

// marshalString produces a JSON string with NFC normalization and without
// HTML escaping (<, >, & are written literally).
func marshalString(s string) ([]byte, error) {
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}

	// json.Encoder adds trailing newline, remove it
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
