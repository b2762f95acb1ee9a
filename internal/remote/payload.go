package remote

import (
	"onboardvoice/internal/model"
	"onboardvoice/internal/stepsync"
)

// StepFields lists the fields each agent step persists.
var StepFields = map[model.Step][]model.FieldName{
	1: {
		model.FieldBusinessName,
		model.FieldCategory,
		model.FieldDescription,
		model.FieldPhone,
		model.FieldEmail,
		model.FieldWebsite,
		model.FieldAddress,
	},
	2: {model.FieldServices},
	3: {model.FieldWorkingHours},
	4: {model.FieldCalendarProvider},
	5: {model.FieldTimezone, model.FieldBookingPolicy},
}

var fieldStep = func() map[model.FieldName]model.Step {
	out := make(map[model.FieldName]model.Step)
	for step, names := range StepFields {
		for _, f := range names {
			out[f] = step
		}
	}
	return out
}()

// StepFor returns the step a field belongs to.
func StepFor(field model.FieldName) (model.Step, bool) {
	s, ok := fieldStep[field]
	return s, ok
}

// BuildPayload assembles the sync body for step. Missing fields are sent as
// empty defaults so a sync is never blocked on incomplete data.
func BuildPayload(step model.Step, fields model.Fields) stepsync.Payload {
	p := stepsync.Payload{}
	for _, f := range StepFields[step] {
		if v, ok := fields[f]; ok {
			p[string(f)] = v
			continue
		}
		if f.IsList() {
			p[string(f)] = []any{}
		} else {
			p[string(f)] = ""
		}
	}
	return p
}
