package schedule

import (
	"encoding/json"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"
)

// Daily fires at each daytime on each calendar date, in a time zone.
type Daily struct {
	loc      *time.Location
	calendar Calendar
	daytimes []Daytime
}

// NewDaily returns a daily schedule. A nil calendar means every date.
func NewDaily(loc *time.Location, cal Calendar, daytimes ...Daytime) *Daily {
	if loc == nil {
		loc = time.UTC
	}
	if cal == nil {
		cal = AllDays{}
	}
	dts := slices.Clone(daytimes)
	slices.SortFunc(dts, func(a, b Daytime) int { return a.seconds() - b.seconds() })
	dts = slices.Compact(dts)
	return &Daily{loc: loc, calendar: cal, daytimes: dts}
}

func (*Daily) isSchedule() {}

// Kind returns KindDaily.
func (*Daily) Kind() Kind { return KindDaily }

// Times walks eligible dates from the local date of start, probing the
// calendar for the next eligible date rather than stepping through gaps.
func (d *Daily) Times(start time.Time) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		if len(d.daytimes) == 0 {
			return
		}
		var prev time.Time
		date, ok := d.calendar.Next(DateOf(start.In(d.loc)))
		for ok {
			for _, dt := range d.daytimes {
				t := date.At(dt, d.loc)
				// DST gaps can push a normalized time past a later daytime.
				if t.Before(start) || (!prev.IsZero() && !t.After(prev)) {
					continue
				}
				if !yield(t) {
					return
				}
				prev = t
			}
			date, ok = d.calendar.Next(date.AddDays(1))
		}
	}
}

func (d *Daily) String() string {
	parts := make([]string, len(d.daytimes))
	for i, dt := range d.daytimes {
		parts[i] = dt.String()
	}
	return fmt.Sprintf("daily at %s %s", strings.Join(parts, ", "), d.loc)
}

type dailyJSON struct {
	Type     Kind            `json:"type"`
	TZ       string          `json:"tz"`
	Calendar json.RawMessage `json:"calendar,omitempty"`
	Daytime  []Daytime       `json:"daytime"`
}

// MarshalJSON implements json.Marshaler.
func (d *Daily) MarshalJSON() ([]byte, error) {
	cal, err := json.Marshal(d.calendar)
	if err != nil {
		return nil, err
	}
	return json.Marshal(dailyJSON{
		Type:     KindDaily,
		TZ:       d.loc.String(),
		Calendar: cal,
		Daytime:  d.daytimes,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Daily) UnmarshalJSON(data []byte) error {
	var j dailyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("daily schedule: %w", err)
	}
	loc, err := loadLocation(j.TZ)
	if err != nil {
		return fmt.Errorf("daily schedule: %w", err)
	}
	cal, err := unmarshalCalendar(j.Calendar)
	if err != nil {
		return fmt.Errorf("daily schedule: %w", err)
	}
	if len(j.Daytime) == 0 {
		return fmt.Errorf("daily schedule: no daytimes")
	}
	*d = *NewDaily(loc, cal, j.Daytime...)
	return nil
}
