package conversation

import "onboardvoice/internal/model"

// Transcript is an append-only list of turns
type Transcript struct {
	turns []model.Turn
}

// Append adds a turn unless it repeats the immediately preceding turn from the
// same speaker with identical text. It reports whether the turn was added.
func (t *Transcript) Append(turn model.Turn) bool {
	if n := len(t.turns); n > 0 {
		last := t.turns[n-1]
		if last.Speaker == turn.Speaker && last.Text == turn.Text {
			return false
		}
	}
	t.turns = append(t.turns, turn)
	return true
}

// Force adds a turn without the duplicate guard
func (t *Transcript) Force(turn model.Turn) {
	t.turns = append(t.turns, turn)
}

// Turns returns a copy of the transcript
func (t *Transcript) Turns() []model.Turn {
	out := make([]model.Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

func (t *Transcript) Len() int { return len(t.turns) }

// Restore replaces the transcript with previously captured turns
func (t *Transcript) Restore(turns []model.Turn) {
	t.turns = make([]model.Turn, len(turns))
	copy(t.turns, turns)
}
