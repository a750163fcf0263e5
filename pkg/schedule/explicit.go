package schedule

import (
	"encoding/json"
	"fmt"
	"iter"
	"slices"
	"sort"
	"strings"
	"time"
)

// Explicit is a fixed set of times.
type Explicit struct {
	times []time.Time
}

// NewExplicit returns a schedule over the given times, sorted and deduplicated.
func NewExplicit(times ...time.Time) *Explicit {
	ts := slices.Clone(times)
	slices.SortFunc(ts, func(a, b time.Time) int { return a.Compare(b) })
	ts = slices.CompactFunc(ts, func(a, b time.Time) bool { return a.Equal(b) })
	return &Explicit{times: ts}
}

func (*Explicit) isSchedule() {}

// Kind returns KindExplicit.
func (*Explicit) Kind() Kind { return KindExplicit }

// Times returns the suffix of the set not before start.
func (e *Explicit) Times(start time.Time) iter.Seq[time.Time] {
	i := sort.Search(len(e.times), func(i int) bool {
		return !e.times[i].Before(start)
	})
	rest := e.times[i:]
	return func(yield func(time.Time) bool) {
		for _, t := range rest {
			if !yield(t) {
				return
			}
		}
	}
}

func (e *Explicit) String() string {
	parts := make([]string, len(e.times))
	for i, t := range e.times {
		parts[i] = t.Format(time.RFC3339)
	}
	return "at " + strings.Join(parts, ", ")
}

type explicitJSON struct {
	Type  Kind        `json:"type"`
	Times []time.Time `json:"times"`
}

// MarshalJSON implements json.Marshaler.
func (e *Explicit) MarshalJSON() ([]byte, error) {
	times := e.times
	if times == nil {
		times = []time.Time{}
	}
	return json.Marshal(explicitJSON{Type: KindExplicit, Times: times})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Explicit) UnmarshalJSON(data []byte) error {
	var j explicitJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("explicit schedule: %w", err)
	}
	*e = *NewExplicit(j.Times...)
	return nil
}
