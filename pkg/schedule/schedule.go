// Package schedule expands recurrence definitions into lazy, strictly
// increasing sequences of instance times.
//
// Every Schedule is a pure value: Times carries no state between calls, so
// asking again from a later start yields a consistent continuation.
package schedule

import (
	"encoding/json"
	"fmt"
	"iter"
	"time"
)

// Kind identifies a schedule variant in its JSON representation.
type Kind string

const (
	KindExplicit Kind = "explicit"
	KindDaily    Kind = "daily"
	KindCrontab  Kind = "crontab"
	KindInterval Kind = "interval"
)

// Schedule produces scheduled times.
type Schedule interface {
	// Kind returns the variant tag.
	Kind() Kind

	// Times returns the times not before start, in strictly increasing order.
	// The sequence may be unbounded.
	Times(start time.Time) iter.Seq[time.Time]

	// String returns a short human-readable description.
	String() string

	isSchedule()
}

// Take collects up to n times from seq.
func Take(seq iter.Seq[time.Time], n int) []time.Time {
	out := make([]time.Time, 0, n)
	if n <= 0 {
		return out
	}
	for t := range seq {
		out = append(out, t)
		if len(out) == n {
			break
		}
	}
	return out
}

// Until collects the times of seq before end.
func Until(seq iter.Seq[time.Time], end time.Time) []time.Time {
	var out []time.Time
	for t := range seq {
		if !t.Before(end) {
			break
		}
		out = append(out, t)
	}
	return out
}

// Marshal encodes a schedule with its "type" tag.
func Marshal(s Schedule) ([]byte, error) {
	return json.Marshal(s)
}

// Unmarshal decodes a schedule from its tagged JSON form.
func Unmarshal(data []byte) (Schedule, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}

	var s Schedule
	var err error
	switch head.Type {
	case KindExplicit:
		e := &Explicit{}
		err = e.UnmarshalJSON(data)
		s = e
	case KindDaily:
		d := &Daily{}
		err = d.UnmarshalJSON(data)
		s = d
	case KindCrontab:
		c := &Crontab{}
		err = c.UnmarshalJSON(data)
		s = c
	case KindInterval:
		i := &Interval{}
		err = i.UnmarshalJSON(data)
		s = i
	case "":
		return nil, fmt.Errorf("schedule: missing type")
	default:
		return nil, fmt.Errorf("schedule: unknown type %q", head.Type)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// loadLocation resolves a zone name, defaulting to UTC.
func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("time zone %q: %w", name, err)
	}
	return loc, nil
}
