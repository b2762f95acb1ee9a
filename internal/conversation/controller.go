// Package conversation holds the turn-taking contract shared by the remote-agent
// and on-device onboarding controllers, plus the machinery both use to process
// events one at a time.
package conversation

import (
	"context"
	"errors"
	"fmt"

	"onboardvoice/internal/model"
)

var (
	// ErrCapabilityUnavailable is returned when a required speech capability is missing on the host.
	ErrCapabilityUnavailable = errors.New("speech capability unavailable")
	// ErrStaleSnapshot is returned when a snapshot is past its freshness window.
	ErrStaleSnapshot = errors.New("snapshot is stale")
	// ErrNotFresh is returned when Resume is called on a controller that already ran.
	ErrNotFresh = errors.New("resume requires a fresh controller")
	// ErrInvalidTransition is returned when an operation is not legal in the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrHandlerPanic is returned when a synchronous handler panicked.
	ErrHandlerPanic = errors.New("conversation handler panicked")
)

// Controller is the turn-taking contract implemented by both controller variants.
type Controller interface {
	// Start moves Idle -> SystemSpeaking and emits the first system turn.
	Start(ctx context.Context) error
	// SystemTurnFinished moves SystemSpeaking -> UserListening.
	SystemTurnFinished()
	// UserInput processes raw user input. Input outside UserListening is discarded.
	UserInput(raw string)
	// RequestExternalAction freezes the conversation and writes a snapshot before a redirect.
	RequestExternalAction(ctx context.Context, kind string) error
	// Resume restores a snapshot into a fresh controller.
	Resume(ctx context.Context, snap *model.Snapshot) error

	SessionID() string
	Variant() model.Variant
	State() model.State
	Position() model.Position
	Transcript() []model.Turn
	Fields() model.Fields
	CompletedSteps() []model.Step
}

// Observer receives host-facing notifications. Calls are made outside of the
// controller's internal lock, in the order the changes happened.
type Observer interface {
	TurnAppended(sessionID string, turn model.Turn)
	StateChanged(sessionID string, from, to model.State)
	ProgressChanged(sessionID string, pos model.Position)
	ExternalActionRequested(sessionID string, kind string)
	Completed(sessionID string, fields model.Fields)
}

// NopObserver ignores all notifications
type NopObserver struct{}

func (NopObserver) TurnAppended(string, model.Turn)               {}
func (NopObserver) StateChanged(string, model.State, model.State) {}
func (NopObserver) ProgressChanged(string, model.Position)        {}
func (NopObserver) ExternalActionRequested(string, string)        {}
func (NopObserver) Completed(string, model.Fields)                {}

// TransitionError describes a rejected transition
type TransitionError struct {
	Op    string
	State model.State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ResumeAck builds the synthetic system turn appended after a successful resume.
func ResumeAck(action *model.PendingAction) string {
	if action == nil || action.Kind == "" {
		return "Welcome back! Let's pick up where we left off."
	}
	switch action.Outcome {
	case model.OutcomeSuccess:
		return fmt.Sprintf("Welcome back! Your %s account is connected. Let's keep going.", action.Kind)
	case model.OutcomeFailure:
		return fmt.Sprintf("Welcome back. Connecting %s didn't finish, you can try again later from settings. Let's keep going.", action.Kind)
	default:
		return "Welcome back! Let's pick up where we left off."
	}
}
