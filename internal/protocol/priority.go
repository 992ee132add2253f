package protocol

import (
	"encoding/json"
	"fmt"
)

// Priority orders pending transcription requests at the shared engine.
// The tag is declared by the caller when the request is submitted and never
// changes afterwards; there is no aging, so a sustained stream of high
// priority work can starve the lower bands.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityUserInitiated
	PriorityMedium
	PriorityLow
	PriorityUtility
	PriorityBackground
)

var priorityNames = map[Priority]string{
	PriorityHigh:          "high",
	PriorityUserInitiated: "user_initiated",
	PriorityMedium:        "medium",
	PriorityLow:           "low",
	PriorityUtility:       "utility",
	PriorityBackground:    "background",
}

// Priorities lists all bands from most to least urgent.
func Priorities() []Priority {
	return []Priority{
		PriorityHigh,
		PriorityUserInitiated,
		PriorityMedium,
		PriorityLow,
		PriorityUtility,
		PriorityBackground,
	}
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Before reports whether p outranks other. Lower numeric value means more
// urgent, so the scheduler admits ascending values.
func (p Priority) Before(other Priority) bool {
	return p < other
}

// Valid reports whether p is one of the declared bands.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority resolves the wire name of a band.
func ParsePriority(name string) (Priority, error) {
	for p, n := range priorityNames {
		if n == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", name)
}

// MarshalJSON serializes the band as its wire name so the ordering
// semantics stay portable across processes.
func (p Priority) MarshalJSON() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("cannot marshal unknown priority %d", int(p))
	}
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParsePriority(name)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
