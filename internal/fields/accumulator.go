// Package fields accumulates and validates partial business-profile answers.
package fields

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"onboardvoice/internal/model"
	"onboardvoice/internal/schema"
)

// MaxScalarLength is the longest string answer accepted from a remote agent.
const MaxScalarLength = 300

var (
	// ErrLooksLikeQuestion flags a value that echoes a question instead of answering it.
	ErrLooksLikeQuestion = errors.New("value contains a question mark")
	// ErrTooLong flags a value longer than MaxScalarLength.
	ErrTooLong = errors.New("value exceeds maximum length")
	// ErrWrongShape flags a value whose type does not match the field kind.
	ErrWrongShape = errors.New("value has the wrong shape for field")
)

// Validator holds the per-field-kind predicates.
type Validator struct {
	// Strict enables the question-mark/length heuristic for scalar fields.
	Strict   bool
	compiler *schema.Compiler
}

// sharedCompiler backs every validator built without its own compiler. The
// list-field schemas are fixed, so one cache serves all sessions.
var sharedCompiler = sync.OnceValue(func() *schema.Compiler {
	return schema.NewCompilerWithCache(len(schema.ListFieldSchemas) * 2)
})

// NewValidator builds a validator. Strict is used for values coming from a remote agent.
// A nil compiler selects the process-wide one.
func NewValidator(strict bool, compiler *schema.Compiler) *Validator {
	if compiler == nil {
		compiler = sharedCompiler()
	}
	return &Validator{Strict: strict, compiler: compiler}
}

// Validate checks value against the rules for field.
func (v *Validator) Validate(field model.FieldName, value any) error {
	if field.IsList() {
		s, ok := schema.ListFieldSchemas[field]
		if !ok {
			return nil
		}
		if err := v.compiler.Validate(context.Background(), s, value); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrWrongShape, field, err)
		}
		return nil
	}

	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("%w: %s expects a string, got %T", ErrWrongShape, field, value)
	}
	if !v.Strict {
		return nil
	}
	if strings.Contains(str, "?") {
		return ErrLooksLikeQuestion
	}
	if len([]rune(str)) > MaxScalarLength {
		return ErrTooLong
	}
	return nil
}

// Accumulator is the in-memory record of collected answers.
// It is owned by a single controller and is not safe for concurrent use.
type Accumulator struct {
	validator *Validator
	values    model.Fields
}

// NewAccumulator creates an empty accumulator; a nil validator accepts any string.
func NewAccumulator(v *Validator) *Accumulator {
	if v == nil {
		v = NewValidator(false, nil)
	}
	return &Accumulator{validator: v, values: make(model.Fields)}
}

// Set validates and stores value, overwriting any earlier value.
func (a *Accumulator) Set(field model.FieldName, value any) error {
	if err := a.validator.Validate(field, value); err != nil {
		return err
	}
	a.values[field] = normalize(value)
	return nil
}

// Get returns the stored value, if any.
func (a *Accumulator) Get(field model.FieldName) (any, bool) {
	v, ok := a.values[field]
	return v, ok
}

// String returns a string field or "" when absent.
func (a *Accumulator) String(field model.FieldName) string {
	s, _ := a.values[field].(string)
	return s
}

func (a *Accumulator) Len() int { return len(a.values) }

// Snapshot returns a read-only copy for persistence or resumption.
func (a *Accumulator) Snapshot() model.Fields {
	return a.values.Clone()
}

// Restore replaces the contents with previously captured values. Values are
// not re-validated; they passed validation when first collected.
func (a *Accumulator) Restore(values model.Fields) {
	a.values = values.Clone()
	if a.values == nil {
		a.values = make(model.Fields)
	}
}

func normalize(value any) any {
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s)
	}
	return value
}
