package testutil

import (
	"sync"

	"onboardvoice/internal/model"
)

// RecordingObserver records every notification it receives.
type RecordingObserver struct {
	mu        sync.Mutex
	Turns     []model.Turn
	States    []model.State
	Positions []model.Position
	Actions   []string
	Results   []model.Fields
}

func (o *RecordingObserver) TurnAppended(_ string, turn model.Turn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Turns = append(o.Turns, turn)
}

func (o *RecordingObserver) StateChanged(_ string, _, to model.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.States = append(o.States, to)
}

func (o *RecordingObserver) ProgressChanged(_ string, pos model.Position) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Positions = append(o.Positions, pos)
}

func (o *RecordingObserver) ExternalActionRequested(_ string, kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Actions = append(o.Actions, kind)
}

func (o *RecordingObserver) Completed(_ string, fields model.Fields) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Results = append(o.Results, fields)
}

// CompletedCount returns how many completion notifications arrived
func (o *RecordingObserver) CompletedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.Results)
}

// PositionsSnapshot returns a copy of the recorded progress positions
func (o *RecordingObserver) PositionsSnapshot() []model.Position {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.Position, len(o.Positions))
	copy(out, o.Positions)
	return out
}

// TurnsWithText counts delivered turns carrying text.
func (o *RecordingObserver) TurnsWithText(text string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, t := range o.Turns {
		if t.Text == text {
			n++
		}
	}
	return n
}
