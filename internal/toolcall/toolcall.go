// Package toolcall reassembles tool calls that a language model streams as
// indexed fragments.
package toolcall

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FunctionCall is the function half of a call.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// Call is one requested tool invocation, or a fragment of one.
type Call struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// DecodeArguments unmarshals the assembled argument string into v.
func (c Call) DecodeArguments(v any) error {
	args := c.Function.Arguments
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	if err := json.Unmarshal([]byte(args), v); err != nil {
		return fmt.Errorf("decode arguments of %s: %w", c.Function.Name, err)
	}
	return nil
}

// Aggregator accumulates fragments for one model turn. It is not safe for
// concurrent use.
type Aggregator struct {
	calls map[int]*Call
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{calls: make(map[int]*Call)}
}

// Merge folds a batch of fragments into the accumulator. The first fragment
// seen for an index is stored as is; later ones append their argument text.
// Identity fields are only filled while still empty.
func (a *Aggregator) Merge(deltas []Call) {
	if a.calls == nil {
		a.calls = make(map[int]*Call)
	}
	for _, d := range deltas {
		cur, ok := a.calls[d.Index]
		if !ok {
			c := d
			a.calls[d.Index] = &c
			continue
		}
		cur.Function.Arguments += d.Function.Arguments
		if cur.ID == "" {
			cur.ID = d.ID
		}
		if cur.Type == "" {
			cur.Type = d.Type
		}
		if cur.Function.Name == "" {
			cur.Function.Name = d.Function.Name
		}
	}
}

// Pending reports whether any fragments have been merged since the last Finalize.
func (a *Aggregator) Pending() bool { return len(a.calls) > 0 }

// Finalize returns the assembled calls ordered by index and resets the
// aggregator for the next turn.
func (a *Aggregator) Finalize() []Call {
	out := make([]Call, 0, len(a.calls))
	for _, c := range a.calls {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	a.calls = make(map[int]*Call)
	return out
}

// Summary is the spoken acknowledgment for a batch of calls, e.g.
// "To answer your question I'm running the lights and weather tools."
func Summary(calls []Call) string {
	names := make([]string, 0, len(calls))
	for _, c := range calls {
		if c.Function.Name != "" {
			names = append(names, c.Function.Name)
		}
	}
	var list, noun string
	switch len(names) {
	case 0:
		return ""
	case 1:
		list, noun = names[0], "tool"
	case 2:
		list, noun = names[0]+" and "+names[1], "tools"
	default:
		list = strings.Join(names[:len(names)-1], ", ") + ", and " + names[len(names)-1]
		noun = "tools"
	}
	return fmt.Sprintf("To answer your question I'm running the %s %s.", list, noun)
}
