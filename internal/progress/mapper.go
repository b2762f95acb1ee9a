// Package progress maps internal conversation steps onto the six-stage
// onboarding progress indicator.
package progress

import (
	"fmt"
	"sort"

	"onboardvoice/internal/model"
)

// Stages are the named positions of the indicator, in order.
var Stages = []string{"Welcome", "Business", "Services", "Hours", "Connect", "Launch"}

const (
	// Start is the position before any step has completed.
	Start model.Position = 0
	// Done is the position shown once the conversation completes.
	Done model.Position = 5
)

// Mapper is a static, non-decreasing table from step to position.
type Mapper struct {
	table map[model.Step]model.Position
}

// NewMapper validates the table and builds a Mapper. Positions must stay inside
// the indicator and must not decrease as steps increase.
func NewMapper(table map[model.Step]model.Position) (*Mapper, error) {
	steps := make([]model.Step, 0, len(table))
	for s := range table {
		steps = append(steps, s)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i] < steps[j] })

	prev := Start
	for _, s := range steps {
		pos := table[s]
		if pos < Start || pos > Done {
			return nil, fmt.Errorf("step %d maps outside indicator: %d", s, pos)
		}
		if pos < prev {
			return nil, fmt.Errorf("step %d maps to %d, below previous position %d", s, pos, prev)
		}
		prev = pos
	}

	cp := make(map[model.Step]model.Position, len(table))
	for k, v := range table {
		cp[k] = v
	}
	return &Mapper{table: cp}, nil
}

// MustMapper is NewMapper for static tables.
func MustMapper(table map[model.Step]model.Position) *Mapper {
	m, err := NewMapper(table)
	if err != nil {
		panic(err)
	}
	return m
}

// PositionFor returns the position for step, or Start for unknown steps.
func (m *Mapper) PositionFor(step model.Step) model.Position {
	return m.table[step]
}

// Known reports whether the step appears in the table.
func (m *Mapper) Known(step model.Step) bool {
	_, ok := m.table[step]
	return ok
}

// HighestCompletedPosition returns the largest position reachable from any completed step.
func (m *Mapper) HighestCompletedPosition(completed []model.Step) model.Position {
	best := Start
	for _, s := range completed {
		if p := m.table[s]; p > best {
			best = p
		}
	}
	return best
}

// StageName returns the display name for pos.
func StageName(pos model.Position) string {
	if pos < 0 || int(pos) >= len(Stages) {
		return ""
	}
	return Stages[pos]
}

// Remote collapses the remote agent's five steps onto the indicator:
// profile, services, hours, calendar connection, booking preferences.
var Remote = MustMapper(map[model.Step]model.Position{
	1: 1,
	2: 2,
	3: 3,
	4: 4,
	5: 4,
})

// Device maps the on-device script's three steps.
var Device = MustMapper(map[model.Step]model.Position{
	1: 1,
	2: 2,
	3: 3,
})
