// Package window answers "is instant T inside [open, close)" for evaluation
// availability windows. Bounds are absolute instants; zones only matter when
// bounds are rendered back to the learner.
package window

import (
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/ILLUVRSE/certification/internal/models"
)

type State int

const (
	NotYetOpen State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case NotYetOpen:
		return "not_yet_open"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Window is a half-open interval. A nil bound is unbounded on that side.
type Window struct {
	OpensAt  *time.Time `json:"opensAt,omitempty"`
	ClosesAt *time.Time `json:"closesAt,omitempty"`
}

func ForEvaluation(e models.Evaluation) Window {
	return Window{OpensAt: e.OpensAt, ClosesAt: e.ClosesAt}
}

func (w Window) State(t time.Time) State {
	if w.OpensAt != nil && t.Before(*w.OpensAt) {
		return NotYetOpen
	}
	if w.ClosesAt != nil && !t.Before(*w.ClosesAt) {
		return Closed
	}
	return Open
}

func (w Window) Contains(t time.Time) bool {
	return w.State(t) == Open
}

// In returns a copy with both bounds expressed in loc.
func (w Window) In(loc *time.Location) Window {
	out := Window{}
	if w.OpensAt != nil {
		t := w.OpensAt.In(loc)
		out.OpensAt = &t
	}
	if w.ClosesAt != nil {
		t := w.ClosesAt.In(loc)
		out.ClosesAt = &t
	}
	return out
}

// LoadLocation resolves an IANA zone name, falling back to UTC when the name is
// empty or unknown.
func LoadLocation(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
