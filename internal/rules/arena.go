package rules

import (
	"fmt"

	"github.com/formworks/fieldsync/internal/model"
)

// Flatten returns the indices of fields in depth-first order: each root in
// slice order, immediately followed by its descendants. The parent of every
// field must be a section appearing at a valid index; any other shape is an
// authoring error in the schema version.
func Flatten(fields []model.FieldDef) ([]int, error) {
	children := make(map[int][]int, len(fields))
	for i, f := range fields {
		if f.Parent < -1 || f.Parent >= len(fields) {
			return nil, fmt.Errorf("field %q: parent index %d out of range", f.Key, f.Parent)
		}
		if f.Parent == i {
			return nil, fmt.Errorf("field %q: references itself as parent", f.Key)
		}
		if f.Parent != -1 && fields[f.Parent].Type != model.FieldSection {
			return nil, fmt.Errorf("field %q: parent %q is not a section", f.Key, fields[f.Parent].Key)
		}
		children[f.Parent] = append(children[f.Parent], i)
	}

	out := make([]int, 0, len(fields))
	seen := make(map[int]bool, len(fields))
	var walk func(idx int) error
	walk = func(idx int) error {
		if seen[idx] {
			return fmt.Errorf("field %q: cycle through parent references", fields[idx].Key)
		}
		seen[idx] = true
		out = append(out, idx)
		for _, child := range children[idx] {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	for _, root := range children[-1] {
		if err := walk(root); err != nil {
			return nil, err
		}
	}

	if len(out) != len(fields) {
		return nil, fmt.Errorf("%d fields unreachable from any root", len(fields)-len(out))
	}
	return out, nil
}
