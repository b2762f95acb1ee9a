package fields

import (
	"strings"
	"testing"

	"onboardvoice/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_StrictRejectsQuestionsAndLongValues(t *testing.T) {
	v := NewValidator(true, nil)

	assert.NoError(t, v.Validate(model.FieldBusinessName, "Acme Spa"))
	assert.ErrorIs(t, v.Validate(model.FieldBusinessName, "What is your business called?"), ErrLooksLikeQuestion)
	assert.ErrorIs(t, v.Validate(model.FieldDescription, strings.Repeat("a", MaxScalarLength+1)), ErrTooLong)
	assert.NoError(t, v.Validate(model.FieldDescription, strings.Repeat("a", MaxScalarLength)))
}

func TestValidator_LenientAcceptsAnyString(t *testing.T) {
	v := NewValidator(false, nil)

	assert.NoError(t, v.Validate(model.FieldBusinessName, "is this right?"))
	assert.ErrorIs(t, v.Validate(model.FieldBusinessName, 12), ErrWrongShape)
}

func TestValidator_ListFieldsStructural(t *testing.T) {
	v := NewValidator(true, nil)

	// contents are not inspected, question marks included
	assert.NoError(t, v.Validate(model.FieldServices, []any{"Haircut?", map[string]any{"name": "Color"}}))
	assert.ErrorIs(t, v.Validate(model.FieldServices, "Haircut"), ErrWrongShape)
	assert.ErrorIs(t, v.Validate(model.FieldWorkingHours, map[string]any{"mon": "9-5"}), ErrWrongShape)
}

func TestAccumulator_SetGetOverwrite(t *testing.T) {
	a := NewAccumulator(NewValidator(true, nil))

	require.NoError(t, a.Set(model.FieldPhone, " 555-0100 "))
	require.NoError(t, a.Set(model.FieldPhone, "555-0199"))
	got, ok := a.Get(model.FieldPhone)
	require.True(t, ok)
	assert.Equal(t, "555-0199", got)

	require.Error(t, a.Set(model.FieldEmail, "email?"))
	_, ok = a.Get(model.FieldEmail)
	assert.False(t, ok)
}

func TestAccumulator_SnapshotIsACopy(t *testing.T) {
	a := NewAccumulator(nil)
	require.NoError(t, a.Set(model.FieldBusinessName, "Acme"))

	snap := a.Snapshot()
	snap[model.FieldBusinessName] = "Changed"

	assert.Equal(t, "Acme", a.String(model.FieldBusinessName))

	a.Restore(model.Fields{model.FieldCategory: "spa"})
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, "spa", a.String(model.FieldCategory))
}

func TestNewValidator_SharesCompiler(t *testing.T) {
	a := NewValidator(true, nil)
	b := NewValidator(false, nil)
	assert.Same(t, a.compiler, b.compiler)
}
