// Package schema validates repaired JSON against a client-supplied JSON
// Schema (Draft-07) and reports failures as structured errors suitable for
// the artifact side channel.
package schema

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Error describes a single schema violation.
type Error struct {
	// Path locates the failing value: "root" or dot-joined keys and indices.
	Path string `json:"path"`
	// Keyword is the failing validator, e.g. "required" or "type".
	Keyword string `json:"keyword"`
	// Hint is the validator's human-readable description.
	Hint string `json:"hint"`
}

// Check reports whether raw is itself a well-formed JSON Schema. It is used
// to reject bad request schemas up front with a 4xx rather than surfacing a
// validator error after the stream completes.
func Check(raw []byte) error {
	if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw)); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	return nil
}

// Validate checks document (a JSON text) against the schema in raw.
// The returned error is non-nil only for schema or document load failures;
// validation failures come back as the Error list with valid == false.
func Validate(document string, raw []byte) (bool, []Error, error) {
	sch, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return false, nil, fmt.Errorf("compiling schema: %w", err)
	}

	result, err := sch.Validate(gojsonschema.NewStringLoader(document))
	if err != nil {
		return false, nil, fmt.Errorf("validating document: %w", err)
	}

	if result.Valid() {
		return true, nil, nil
	}

	errs := make([]Error, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		path := e.Field()
		if path == "(root)" {
			path = "root"
		}
		errs = append(errs, Error{
			Path:    path,
			Keyword: e.Type(),
			Hint:    e.Description(),
		})
	}
	return false, errs, nil
}
