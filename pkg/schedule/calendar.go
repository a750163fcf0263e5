package schedule

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// Date is a calendar date without a time zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) utc() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// AddDays returns the date n days after d.
func (d Date) AddDays(n int) Date {
	return DateOf(d.utc().AddDate(0, 0, n))
}

// Weekday returns the day of the week of d.
func (d Date) Weekday() time.Weekday {
	return d.utc().Weekday()
}

// Compare returns -1, 0, or +1 as d is before, equal to, or after o.
func (d Date) Compare(o Date) int {
	return d.utc().Compare(o.utc())
}

// At returns the instant of daytime dt on d in loc. A wall time that falls
// in a DST gap is normalized forward by the zone transition.
func (d Date) At(dt Daytime, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, dt.Hour, dt.Minute, dt.Second, 0, loc)
}

func (d Date) String() string {
	return d.utc().Format(time.DateOnly)
}

// MarshalText implements encoding.TextMarshaler.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Date) UnmarshalText(b []byte) error {
	v, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Daytime is a wall-clock time of day.
type Daytime struct {
	Hour   int
	Minute int
	Second int
}

// ParseDaytime parses HH:MM or HH:MM:SS.
func ParseDaytime(s string) (Daytime, error) {
	for _, layout := range []string{time.TimeOnly, "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return Daytime{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
		}
	}
	return Daytime{}, fmt.Errorf("invalid daytime %q", s)
}

func (dt Daytime) seconds() int {
	return dt.Hour*3600 + dt.Minute*60 + dt.Second
}

func (dt Daytime) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", dt.Hour, dt.Minute, dt.Second)
}

// MarshalText implements encoding.TextMarshaler.
func (dt Daytime) MarshalText() ([]byte, error) {
	return []byte(dt.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (dt *Daytime) UnmarshalText(b []byte) error {
	v, err := ParseDaytime(string(b))
	if err != nil {
		return err
	}
	*dt = v
	return nil
}

// Calendar is a set of eligible dates.
type Calendar interface {
	Contains(d Date) bool

	// Next returns the first eligible date on or after d. ok is false if
	// there is none.
	Next(d Date) (next Date, ok bool)
}

// AllDays is the calendar containing every date.
type AllDays struct{}

func (AllDays) Contains(Date) bool           { return true }
func (AllDays) Next(d Date) (Date, bool)     { return d, true }
func (AllDays) MarshalJSON() ([]byte, error) { return json.Marshal(map[string]string{"type": "all"}) }

// Weekdays is the calendar of dates falling on the given days of the week.
type Weekdays struct {
	days [7]bool
}

// NewWeekdays returns a calendar of the given weekdays.
func NewWeekdays(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		w.days[d] = true
	}
	return w
}

// MonToFri is the usual working-week calendar.
var MonToFri = NewWeekdays(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)

func (w Weekdays) Contains(d Date) bool {
	return w.days[d.Weekday()]
}

func (w Weekdays) Next(d Date) (Date, bool) {
	for i := 0; i < 7; i++ {
		if c := d.AddDays(i); w.Contains(c) {
			return c, true
		}
	}
	return Date{}, false
}

func (w Weekdays) MarshalJSON() ([]byte, error) {
	var names []string
	for i, on := range w.days {
		if on {
			names = append(names, time.Weekday(i).String()[:3])
		}
	}
	return json.Marshal(map[string]any{"type": "weekdays", "weekdays": names})
}

// Dates is a calendar of explicitly listed dates.
type Dates struct {
	dates []Date
}

// NewDates returns a calendar of the given dates.
func NewDates(dates ...Date) Dates {
	ds := slices.Clone(dates)
	slices.SortFunc(ds, Date.Compare)
	ds = slices.Compact(ds)
	return Dates{dates: ds}
}

func (c Dates) Contains(d Date) bool {
	_, found := slices.BinarySearchFunc(c.dates, d, Date.Compare)
	return found
}

func (c Dates) Next(d Date) (Date, bool) {
	i := sort.Search(len(c.dates), func(i int) bool { return c.dates[i].Compare(d) >= 0 })
	if i == len(c.dates) {
		return Date{}, false
	}
	return c.dates[i], true
}

func (c Dates) MarshalJSON() ([]byte, error) {
	dates := c.dates
	if dates == nil {
		dates = []Date{}
	}
	return json.Marshal(map[string]any{"type": "dates", "dates": dates})
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseWeekday(s string) (time.Weekday, error) {
	key := strings.ToLower(s)
	if len(key) > 3 {
		key = key[:3]
	}
	if d, ok := weekdayNames[key]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}

// unmarshalCalendar accepts "all", "weekdays", or a tagged object.
func unmarshalCalendar(data []byte) (Calendar, error) {
	if len(data) == 0 || string(data) == "null" {
		return AllDays{}, nil
	}

	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		switch strings.ToLower(name) {
		case "", "all":
			return AllDays{}, nil
		case "weekdays":
			return MonToFri, nil
		}
		return nil, fmt.Errorf("unknown calendar %q", name)
	}

	var j struct {
		Type     string   `json:"type"`
		Weekdays []string `json:"weekdays"`
		Dates    []Date   `json:"dates"`
	}
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("calendar: %w", err)
	}
	switch j.Type {
	case "", "all":
		return AllDays{}, nil
	case "weekdays":
		days := make([]time.Weekday, 0, len(j.Weekdays))
		for _, s := range j.Weekdays {
			d, err := parseWeekday(s)
			if err != nil {
				return nil, err
			}
			days = append(days, d)
		}
		return NewWeekdays(days...), nil
	case "dates":
		return NewDates(j.Dates...), nil
	}
	return nil, fmt.Errorf("unknown calendar type %q", j.Type)
}
