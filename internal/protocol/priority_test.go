package protocol

import (
	"encoding/json"
	"testing"
)

func TestPriorityOrdering(t *testing.T) {
	ordered := Priorities()
	want := []Priority{PriorityHigh, PriorityUserInitiated, PriorityMedium, PriorityLow, PriorityUtility, PriorityBackground}
	if len(ordered) != len(want) {
		t.Fatalf("expected %d priorities, got %d", len(want), len(ordered))
	}
	for i, p := range want {
		if ordered[i] != p {
			t.Fatalf("position %d: expected %s, got %s", i, p, ordered[i])
		}
	}
	for i := 0; i < len(ordered)-1; i++ {
		if !ordered[i].Before(ordered[i+1]) {
			t.Fatalf("%s should come before %s", ordered[i], ordered[i+1])
		}
		if ordered[i+1].Before(ordered[i]) {
			t.Fatalf("%s should not come before %s", ordered[i+1], ordered[i])
		}
	}
	if PriorityHigh.Before(PriorityHigh) {
		t.Fatalf("a priority must not order before itself")
	}
}

func TestParsePriority(t *testing.T) {
	for _, p := range Priorities() {
		parsed, err := ParsePriority(p.String())
		if err != nil {
			t.Fatalf("parse %q: %v", p.String(), err)
		}
		if parsed != p {
			t.Fatalf("parse %q: expected %v, got %v", p.String(), p, parsed)
		}
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Fatalf("expected error for unknown priority name")
	}
	if _, err := ParsePriority(""); err == nil {
		t.Fatalf("expected error for empty priority name")
	}
}

func TestPriorityJSONRoundTrip(t *testing.T) {
	raw, err := json.Marshal(PriorityUserInitiated)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `"user_initiated"` {
		t.Fatalf("unexpected wire form: %s", raw)
	}
	var p Priority
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p != PriorityUserInitiated {
		t.Fatalf("round trip changed value: %v", p)
	}
	if err := json.Unmarshal([]byte(`"nope"`), &p); err == nil {
		t.Fatalf("expected error for unknown priority on the wire")
	}
}

func TestPriorityZeroValueIsHigh(t *testing.T) {
	var p Priority
	if p != PriorityHigh {
		t.Fatalf("zero value should be the most urgent band, got %v", p)
	}
	if !p.Valid() {
		t.Fatalf("zero value should be valid")
	}
	if Priority(42).Valid() {
		t.Fatalf("out-of-range priority should be invalid")
	}
}
