// Package schema enforces the gateway's frame contract: strict JSON
// decoding (unknown members rejected) followed by struct-tag validation,
// with errors accumulated into one deterministic message instead of
// failing on the first offending field.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Registry wraps a single shared validator instance, mirroring how the
// gateway's original CustomValidator wrapped one *validator.Validate for
// the whole process rather than constructing one per request.
type Registry struct {
	v *validator.Validate
}

// NewRegistry builds a Registry with struct-tag validation enabled.
func NewRegistry() *Registry {
	return &Registry{v: validator.New(validator.WithRequiredStructEnabled())}
}

// Validate runs struct-tag validation and, on failure, returns every
// violated field joined into one message rather than just the first.
func (r *Registry) Validate(v any) error {
	if err := r.v.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return errors.New(FormatIssues(verrs))
		}
		return err
	}
	return nil
}

// FormatIssues renders accumulated validator.ValidationErrors into a
// single semicolon-joined, deterministic message.
func FormatIssues(verrs validator.ValidationErrors) string {
	issues := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		issues = append(issues, fmt.Sprintf("%s %s", fe.Field(), describeTag(fe)))
	}
	return strings.Join(issues, "; ")
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "gtefield":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "eq":
		return fmt.Sprintf("must equal %q", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

// DecodeStrict unmarshals data into v, rejecting any JSON member that does
// not correspond to a field on v. This is what gives the gateway's frame
// schemas "unknown top-level members are rejected" semantics; struct tags
// alone only ever see the fields that exist on the Go type.
func DecodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON value")
	}
	return nil
}
