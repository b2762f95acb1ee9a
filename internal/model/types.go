package model

import (
	"sort"
	"time"
)

// State represents the turn-taking state of a conversation
type State string

const (
	StateIdle                   State = "idle"
	StateSystemSpeaking         State = "system_speaking"
	StateUserListening          State = "user_listening"
	StateProcessing             State = "processing"
	StateAwaitingExternalAction State = "awaiting_external_action"
	StateComplete               State = "complete"
)

// Variant identifies which controller implementation owns a session
type Variant string

const (
	VariantRemote Variant = "remote"
	VariantDevice Variant = "device"
)

// Speaker identifies who produced a turn
type Speaker string

const (
	SpeakerSystem Speaker = "system"
	SpeakerUser   Speaker = "user"
)

// Turn is one utterance in the transcript. Turns are never mutated once appended.
type Turn struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// FieldName is a key of the business-profile vocabulary
type FieldName string

const (
	FieldBusinessName     FieldName = "name"
	FieldCategory         FieldName = "category"
	FieldDescription      FieldName = "description"
	FieldPhone            FieldName = "phone"
	FieldEmail            FieldName = "email"
	FieldWebsite          FieldName = "website"
	FieldAddress          FieldName = "address"
	FieldServices         FieldName = "services"
	FieldWorkingHours     FieldName = "workingHours"
	FieldTimezone         FieldName = "timezone"
	FieldBookingPolicy    FieldName = "bookingPolicy"
	FieldCalendarProvider FieldName = "calendarProvider"
)

// IsList reports whether the field holds a structured list rather than a string
func (f FieldName) IsList() bool {
	return f == FieldServices || f == FieldWorkingHours
}

// Fields holds collected answers. Values are either string or JSON-shaped lists ([]any).
type Fields map[FieldName]any

// Clone returns a shallow copy safe to hand to another owner
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Step identifies a logical unit of the conversation
type Step int

// Position is the index on the user-visible progress indicator
type Position int

// StepSet is the set of completed steps
type StepSet map[Step]bool

// Sorted returns the steps in ascending order
func (s StepSet) Sorted() []Step {
	out := make([]Step, 0, len(s))
	for step := range s {
		out = append(out, step)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone copies the set
func (s StepSet) Clone() StepSet {
	out := make(StepSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// ExternalOutcome is the result of an external redirect flow as reported by the host
type ExternalOutcome string

const (
	OutcomeUnknown ExternalOutcome = ""
	OutcomeSuccess ExternalOutcome = "success"
	OutcomeFailure ExternalOutcome = "failure"
)

// PendingAction describes the external action a snapshot was captured for
type PendingAction struct {
	Kind    string          `json:"kind"`
	Outcome ExternalOutcome `json:"outcome,omitempty"`
}

// Snapshot is the in-progress conversation state captured before an external redirect
type Snapshot struct {
	SessionID      string         `json:"sessionId"`
	TenantID       string         `json:"tenantId,omitempty"`
	Variant        Variant        `json:"variant"`
	Messages       []Turn         `json:"messages"`
	Fields         Fields         `json:"collectedFields"`
	CompletedSteps []Step         `json:"completedSteps"`
	Cursor         int            `json:"cursor,omitempty"`
	PendingAction  *PendingAction `json:"pendingAction,omitempty"`
	CapturedAt     time.Time      `json:"capturedAt"`
}

// FreshnessWindow bounds how long a snapshot may be applied after capture
const FreshnessWindow = 10 * time.Minute

// Fresh reports whether the snapshot may still be applied at now
func (s *Snapshot) Fresh(now time.Time, window time.Duration) bool {
	if s == nil || s.CapturedAt.IsZero() {
		return false
	}
	if window <= 0 {
		window = FreshnessWindow
	}
	return now.Sub(s.CapturedAt) <= window
}

// SessionView is the read model of a session returned to hosts
type SessionView struct {
	ID             string   `json:"id"`
	TenantID       string   `json:"tenantId,omitempty"`
	Variant        Variant  `json:"variant"`
	State          State    `json:"state"`
	Position       Position `json:"position"`
	Stage          string   `json:"stage"`
	Transcript     []Turn   `json:"transcript"`
	Fields         Fields   `json:"collectedFields"`
	CompletedSteps []Step   `json:"completedSteps"`
}
