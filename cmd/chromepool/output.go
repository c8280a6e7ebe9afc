package main

import (
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TextValuer is implemented by result types that have an obvious plain-text representation.
type TextValuer interface {
	TextValue() string
}

func outputResult(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "ndjson":
		return json.NewEncoder(w).Encode(v)
	case "text":
		if tv, ok := v.(TextValuer); ok {
			_, err := fmt.Fprintln(w, tv.TextValue())
			return err
		}
		// Fall back to JSON for complex types
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}
