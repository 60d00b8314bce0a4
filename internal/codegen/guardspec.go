package codegen

import (
	"encoding/json"
	"fmt"

	"github.com/guardsmith/guardsmith/internal/hazard"
)

// GuardDocFormat identifies the guard parameter document layout.
const GuardDocFormat = "guardspec/v1"

// Guard shape names. Each names one compiled predicate shape the guard
// compiler knows at build time; the document only parameterizes it.
const (
	ShapeNumericCmp = "numeric_cmp"
	ShapeStringCmp  = "string_cmp"
	ShapeBoolCmp    = "bool_cmp"
	ShapeSetMember  = "set_member"
)

// GuardDoc is the canonical parameter document a guard shape is instantiated
// from. Struct-based so json.Marshal field order is deterministic and the
// artifact checksum is reproducible. Optional scalars are pointers so zero
// values survive the round trip.
type GuardDoc struct {
	Guard         string   `json:"guard"`
	HazardID      string   `json:"hazard_id"`
	SpecVersion   int      `json:"spec_version"`
	Severity      string   `json:"severity"`
	Variable      string   `json:"variable"`
	Shape         string   `json:"shape"`
	Op            string   `json:"op,omitempty"`
	Number        *float64 `json:"number,omitempty"`
	Text          *string  `json:"text,omitempty"`
	Flag          *bool    `json:"flag,omitempty"`
	Set           []string `json:"set,omitempty"`
	Negate        bool     `json:"negate,omitempty"`
	MaxAgeSeconds *float64 `json:"max_age_seconds,omitempty"`
	RequiresState string   `json:"requires_state,omitempty"`
}

// renderGuardDoc turns a constraint into its guard parameter document.
func renderGuardDoc(c *hazard.Constraint) (string, error) {
	doc := GuardDoc{
		Guard:       GuardDocFormat,
		HazardID:    c.HazardID,
		SpecVersion: c.Version,
		Severity:    string(c.Severity),
		Variable:    c.Variable,
	}

	switch x := c.Expr.(type) {
	case hazard.NumericCmp:
		if _, ok := celCmpOps[x.Op]; !ok {
			return "", &UnsupportedConstraintError{HazardID: c.HazardID, Detail: fmt.Sprintf("numeric operator %q", x.Op)}
		}
		v := x.Value
		doc.Shape = ShapeNumericCmp
		doc.Op = string(x.Op)
		doc.Number = &v

	case hazard.StringCmp:
		if _, ok := celEqOps[x.Op]; !ok {
			return "", &UnsupportedConstraintError{HazardID: c.HazardID, Detail: fmt.Sprintf("string operator %q", x.Op)}
		}
		s := x.Value
		doc.Shape = ShapeStringCmp
		doc.Op = string(x.Op)
		doc.Text = &s

	case hazard.BoolCmp:
		if _, ok := celEqOps[x.Op]; !ok {
			return "", &UnsupportedConstraintError{HazardID: c.HazardID, Detail: fmt.Sprintf("bool operator %q", x.Op)}
		}
		b := x.Value
		doc.Shape = ShapeBoolCmp
		doc.Op = string(x.Op)
		doc.Flag = &b

	case hazard.SetMember:
		if len(x.Values) == 0 {
			return "", &UnsupportedConstraintError{HazardID: c.HazardID, Detail: "empty membership set"}
		}
		doc.Shape = ShapeSetMember
		doc.Set = x.Values
		doc.Negate = x.Negate

	default:
		return "", &UnsupportedConstraintError{HazardID: c.HazardID, Detail: fmt.Sprintf("expression type %T", c.Expr)}
	}

	if c.Temporal != nil {
		age := c.Temporal.MaxAgeSeconds
		doc.MaxAgeSeconds = &age
	}
	if c.State != nil {
		doc.RequiresState = c.State.Requires
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal guard doc for %s: %w", c.HazardID, err)
	}
	return string(data), nil
}

// ParseGuardDoc decodes and validates a guard parameter document. The guard
// compiler and the back-translator both go through here so neither drifts
// from the generator's layout.
func ParseGuardDoc(src string) (*GuardDoc, error) {
	var doc GuardDoc
	if err := json.Unmarshal([]byte(src), &doc); err != nil {
		return nil, fmt.Errorf("guard doc is not valid JSON: %w", err)
	}
	if doc.Guard != GuardDocFormat {
		return nil, fmt.Errorf("guard doc format %q, want %s", doc.Guard, GuardDocFormat)
	}
	if doc.HazardID == "" {
		return nil, fmt.Errorf("guard doc missing hazard_id")
	}
	if doc.Variable == "" {
		return nil, fmt.Errorf("guard doc missing variable")
	}

	switch doc.Shape {
	case ShapeNumericCmp:
		if doc.Number == nil {
			return nil, fmt.Errorf("guard doc %s: numeric_cmp missing number", doc.HazardID)
		}
		if _, ok := celCmpOps[hazard.Op(doc.Op)]; !ok {
			return nil, fmt.Errorf("guard doc %s: numeric_cmp has invalid op %q", doc.HazardID, doc.Op)
		}
	case ShapeStringCmp:
		if doc.Text == nil {
			return nil, fmt.Errorf("guard doc %s: string_cmp missing text", doc.HazardID)
		}
		if _, ok := celEqOps[hazard.Op(doc.Op)]; !ok {
			return nil, fmt.Errorf("guard doc %s: string_cmp has invalid op %q", doc.HazardID, doc.Op)
		}
	case ShapeBoolCmp:
		if doc.Flag == nil {
			return nil, fmt.Errorf("guard doc %s: bool_cmp missing flag", doc.HazardID)
		}
		if _, ok := celEqOps[hazard.Op(doc.Op)]; !ok {
			return nil, fmt.Errorf("guard doc %s: bool_cmp has invalid op %q", doc.HazardID, doc.Op)
		}
	case ShapeSetMember:
		if len(doc.Set) == 0 {
			return nil, fmt.Errorf("guard doc %s: set_member has empty set", doc.HazardID)
		}
	default:
		return nil, fmt.Errorf("guard doc %s: unknown shape %q", doc.HazardID, doc.Shape)
	}

	if doc.MaxAgeSeconds != nil && *doc.MaxAgeSeconds <= 0 {
		return nil, fmt.Errorf("guard doc %s: max_age_seconds must be positive", doc.HazardID)
	}
	return &doc, nil
}
