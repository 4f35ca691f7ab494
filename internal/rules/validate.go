package rules

import (
	"encoding/json"
	"fmt"

	"github.com/formworks/fieldsync/internal/model"
)

// FieldError is one validation failure, addressed by field key.
type FieldError struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

// ValidatePayload checks a submission payload against the schema version it
// was pinned to. Fields hidden by their own or an enclosing section's
// visibility rule are skipped entirely; hidden fields are never required
// and their rules never run. The returned slice is empty for a valid
// payload; a non-nil error means the payload or schema itself was
// malformed, not that a field failed.
func ValidatePayload(payload json.RawMessage, version *model.SchemaVersion) ([]FieldError, error) {
	var row map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &row); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	if row == nil {
		row = map[string]any{}
	}

	order, err := Flatten(version.Fields)
	if err != nil {
		return nil, fmt.Errorf("schema version %d for table %s: %w", version.Version, version.TableID, err)
	}

	env := &EvalContext{Row: row}
	visible := make(map[int]bool, len(version.Fields))
	var errs []FieldError

	for _, idx := range order {
		f := version.Fields[idx]

		vis := true
		if f.Parent != -1 {
			vis = visible[f.Parent]
		}
		if vis && f.VisibleWhen != "" {
			expr, err := Parse(f.VisibleWhen)
			if err != nil {
				return nil, fmt.Errorf("field %q visibility: %w", f.Key, err)
			}
			vis, err = EvalBool(expr, env)
			if err != nil {
				return nil, fmt.Errorf("field %q visibility: %w", f.Key, err)
			}
		}
		visible[idx] = vis

		if !vis || f.Type == model.FieldSection {
			continue
		}

		val := fromAny(row[f.Key])
		if f.Required && isEmpty(val) {
			errs = append(errs, FieldError{Key: f.Key, Message: "value is required"})
			continue
		}
		if isEmpty(val) {
			continue
		}

		if msg := checkType(f, val); msg != "" {
			errs = append(errs, FieldError{Key: f.Key, Message: msg})
			continue
		}

		if f.Rule != "" {
			expr, err := Parse(f.Rule)
			if err != nil {
				return nil, fmt.Errorf("field %q rule: %w", f.Key, err)
			}
			ok, err := EvalBool(expr, env)
			if err != nil {
				return nil, fmt.Errorf("field %q rule: %w", f.Key, err)
			}
			if !ok {
				errs = append(errs, FieldError{Key: f.Key, Message: "value fails validation rule"})
			}
		}
	}
	return errs, nil
}

func isEmpty(v Value) bool {
	if v.IsNull() {
		return true
	}
	return v.Kind() == KindString && v.String() == ""
}

func checkType(f model.FieldDef, v Value) string {
	switch f.Type {
	case model.FieldNumber:
		if v.Kind() != KindNumber {
			return "value must be a number"
		}
	case model.FieldBool:
		if v.Kind() != KindBool {
			return "value must be a boolean"
		}
	case model.FieldText, model.FieldDate:
		if v.Kind() != KindString {
			return "value must be a string"
		}
	case model.FieldSelect:
		if v.Kind() != KindString {
			return "value must be a string"
		}
		for _, opt := range f.Options {
			if v.String() == opt {
				return ""
			}
		}
		return fmt.Sprintf("value %q is not one of the allowed options", v.String())
	}
	return ""
}
