package device

import (
	"strings"
	"unicode"

	"onboardvoice/internal/model"
	"onboardvoice/internal/stepsync"
)

// Question is one entry of the on-device script.
type Question struct {
	Step     model.Step
	Field    model.FieldName
	Prompt   string
	Optional bool
}

// DefaultScript walks business profile (step 1), services (step 2) and hours (step 3).
var DefaultScript = []Question{
	{Step: 1, Field: model.FieldBusinessName, Prompt: "What's the name of your business?"},
	{Step: 1, Field: model.FieldCategory, Prompt: "What kind of business is it?"},
	{Step: 1, Field: model.FieldPhone, Prompt: "What phone number should customers call?"},
	{Step: 1, Field: model.FieldWebsite, Prompt: "Do you have a website? You can say skip.", Optional: true},
	{Step: 1, Field: model.FieldDescription, Prompt: "How would you describe your business in a sentence? You can say skip.", Optional: true},
	{Step: 2, Field: model.FieldServices, Prompt: "What services do you offer?"},
	{Step: 3, Field: model.FieldWorkingHours, Prompt: "And what are your working hours?"},
}

var bareSkips = map[string]bool{
	"no":      true,
	"nope":    true,
	"none":    true,
	"nothing": true,
	"n/a":     true,
}

// IsSkip reports whether a transcript declines an optional question.
func IsSkip(transcript string) bool {
	t := strings.ToLower(strings.TrimSpace(transcript))
	if strings.Contains(t, "skip") {
		return true
	}
	t = strings.TrimFunc(t, func(r rune) bool { return unicode.IsPunct(r) && r != '/' || unicode.IsSpace(r) })
	return bareSkips[t]
}

// lastStep is the step the full record is synced under.
func lastStep(script []Question) model.Step {
	if len(script) == 0 {
		return 0
	}
	return script[len(script)-1].Step
}

// FullPayload is the completion sync body: every scripted field, with empty
// defaults for skipped ones, plus anything else collected.
func FullPayload(script []Question, fields model.Fields) stepsync.Payload {
	p := stepsync.Payload{}
	for _, q := range script {
		if q.Field.IsList() {
			p[string(q.Field)] = []any{}
		} else {
			p[string(q.Field)] = ""
		}
	}
	for k, v := range fields {
		p[string(k)] = v
	}
	return p
}
