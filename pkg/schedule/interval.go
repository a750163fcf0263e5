package schedule

import (
	"encoding/json"
	"fmt"
	"iter"
	"time"
)

// Interval fires every period, phased to an anchor time.
type Interval struct {
	anchor time.Time
	period time.Duration
}

// NewInterval returns a schedule of anchor + k*period for all integers k.
func NewInterval(anchor time.Time, period time.Duration) (*Interval, error) {
	if period <= 0 {
		return nil, fmt.Errorf("interval period must be positive, got %s", period)
	}
	return &Interval{anchor: anchor, period: period}, nil
}

func (*Interval) isSchedule() {}

// Kind returns KindInterval.
func (*Interval) Kind() Kind { return KindInterval }

// Times returns the first phase point not before start and every period
// thereafter.
func (i *Interval) Times(start time.Time) iter.Seq[time.Time] {
	d := start.Sub(i.anchor)
	k := d / i.period
	if d%i.period > 0 {
		k++
	}
	first := i.anchor.Add(k * i.period)
	return func(yield func(time.Time) bool) {
		for t := first; ; t = t.Add(i.period) {
			if !yield(t) {
				return
			}
		}
	}
}

func (i *Interval) String() string {
	return fmt.Sprintf("every %s from %s", i.period, i.anchor.Format(time.RFC3339))
}

type intervalJSON struct {
	Type   Kind      `json:"type"`
	Start  time.Time `json:"start"`
	Period string    `json:"period"`
}

// MarshalJSON implements json.Marshaler.
func (i *Interval) MarshalJSON() ([]byte, error) {
	return json.Marshal(intervalJSON{Type: KindInterval, Start: i.anchor, Period: i.period.String()})
}

// UnmarshalJSON implements json.Unmarshaler.
func (i *Interval) UnmarshalJSON(data []byte) error {
	var j intervalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("interval schedule: %w", err)
	}
	period, err := time.ParseDuration(j.Period)
	if err != nil {
		return fmt.Errorf("interval schedule: %w", err)
	}
	parsed, err := NewInterval(j.Start, period)
	if err != nil {
		return fmt.Errorf("interval schedule: %w", err)
	}
	*i = *parsed
	return nil
}
