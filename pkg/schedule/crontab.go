package schedule

import (
	"encoding/json"
	"fmt"
	"iter"
	"math/bits"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronStar marks a field written as "*" in robfig/cron's bitmasks.
const cronStar = uint64(1) << 63

// maxCronGap bounds the search for the next match of an unsatisfiable
// crontab, such as February 30th.
const maxCronGap = 10 * 366 * 24 * time.Hour

type cronField struct {
	name     string
	min, max int
}

var (
	minuteField  = cronField{"minute", 0, 59}
	hourField    = cronField{"hour", 0, 23}
	dayField     = cronField{"day", 1, 31}
	monthField   = cronField{"month", 1, 12}
	weekdayField = cronField{"weekday", 0, 6}
)

func (f cronField) all() uint64 {
	var b uint64
	for i := f.min; i <= f.max; i++ {
		b |= 1 << uint(i)
	}
	return b
}

func (f cronField) bits(vals []int) (uint64, error) {
	var b uint64
	for _, v := range vals {
		if v < f.min || v > f.max {
			return 0, fmt.Errorf("crontab %s %d out of range [%d, %d]", f.name, v, f.min, f.max)
		}
		b |= 1 << uint(v)
	}
	return b, nil
}

// Crontab matches minutes whose fields are all members of the given sets.
//
// Day of month and weekday follow cron: when both are restricted a day
// matches if either does; when one is "*" the other alone decides.
type Crontab struct {
	loc     *time.Location
	minute  uint64
	hour    uint64
	day     uint64
	month   uint64
	weekday uint64
	dayStar bool
	dowStar bool
}

// NewCrontab builds a crontab from value lists for minute, hour, day,
// month, and weekday (0 is Sunday). A nil list means "*".
func NewCrontab(loc *time.Location, minute, hour, day, month, weekday []int) (*Crontab, error) {
	if loc == nil {
		loc = time.UTC
	}
	c := &Crontab{loc: loc}
	for _, f := range []struct {
		field cronField
		vals  []int
		dst   *uint64
		star  *bool
	}{
		{minuteField, minute, &c.minute, nil},
		{hourField, hour, &c.hour, nil},
		{dayField, day, &c.day, &c.dayStar},
		{monthField, month, &c.month, nil},
		{weekdayField, weekday, &c.weekday, &c.dowStar},
	} {
		if f.vals == nil {
			*f.dst = f.field.all()
			if f.star != nil {
				*f.star = true
			}
			continue
		}
		b, err := f.field.bits(f.vals)
		if err != nil {
			return nil, err
		}
		if b == 0 {
			return nil, fmt.Errorf("crontab %s: empty set", f.field.name)
		}
		*f.dst = b
	}
	return c, nil
}

// ParseCrontab parses a five-field cron expression, such as "0 9 * * 1-5".
// Names and descriptors like "@daily" are accepted; "@every" is not.
func ParseCrontab(expr string, loc *time.Location) (*Crontab, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("crontab %q: %w", expr, err)
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("crontab %q: not a calendar expression", expr)
	}
	if loc == nil {
		loc = time.UTC
		if spec.Location != nil && spec.Location != time.Local {
			loc = spec.Location
		}
	}
	return &Crontab{
		loc:     loc,
		minute:  spec.Minute &^ cronStar,
		hour:    spec.Hour &^ cronStar,
		day:     spec.Dom &^ cronStar,
		month:   spec.Month &^ cronStar,
		weekday: spec.Dow &^ cronStar,
		dayStar: spec.Dom&cronStar != 0,
		dowStar: spec.Dow&cronStar != 0,
	}, nil
}

func (*Crontab) isSchedule() {}

// Kind returns KindCrontab.
func (*Crontab) Kind() Kind { return KindCrontab }

func has(set uint64, v int) bool {
	return set&(1<<uint(v)) != 0
}

func (c *Crontab) matchDay(t time.Time) bool {
	dom := has(c.day, t.Day())
	dow := has(c.weekday, int(t.Weekday()))
	switch {
	case c.dayStar && c.dowStar:
		return true
	case c.dayStar:
		return dow
	case c.dowStar:
		return dom
	default:
		return dom || dow
	}
}

// Times steps minute by minute from the first whole minute not before
// start, skipping whole months, days, and hours that cannot match.
func (c *Crontab) Times(start time.Time) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		t := start.In(c.loc).Truncate(time.Minute)
		if t.Before(start) {
			t = t.Add(time.Minute)
		}
		last := t
		for t.Sub(last) < maxCronGap {
			y, m, d := t.Date()
			switch {
			case !has(c.month, int(m)):
				t = time.Date(y, m+1, 1, 0, 0, 0, 0, c.loc)
			case !c.matchDay(t):
				t = time.Date(y, m, d+1, 0, 0, 0, 0, c.loc)
			case !has(c.hour, t.Hour()):
				t = t.Add(time.Duration(60-t.Minute()) * time.Minute)
			case !has(c.minute, t.Minute()):
				t = t.Add(time.Minute)
			default:
				if !yield(t) {
					return
				}
				last = t
				t = t.Add(time.Minute)
			}
		}
	}
}

func formatField(f cronField, set uint64, star bool) string {
	if star || set == f.all() {
		return "*"
	}
	var parts []string
	for v := f.min; v <= f.max; v++ {
		if !has(set, v) {
			continue
		}
		end := v
		for end+1 <= f.max && has(set, end+1) {
			end++
		}
		switch {
		case end == v:
			parts = append(parts, strconv.Itoa(v))
		default:
			parts = append(parts, strconv.Itoa(v)+"-"+strconv.Itoa(end))
		}
		v = end
	}
	return strings.Join(parts, ",")
}

func values(f cronField, set uint64) []int {
	vals := make([]int, 0, bits.OnesCount64(set))
	for v := f.min; v <= f.max; v++ {
		if has(set, v) {
			vals = append(vals, v)
		}
	}
	return vals
}

// Expr returns the schedule as a five-field cron expression.
func (c *Crontab) Expr() string {
	return strings.Join([]string{
		formatField(minuteField, c.minute, false),
		formatField(hourField, c.hour, false),
		formatField(dayField, c.day, c.dayStar),
		formatField(monthField, c.month, false),
		formatField(weekdayField, c.weekday, c.dowStar),
	}, " ")
}

func (c *Crontab) String() string {
	return fmt.Sprintf("crontab %s %s", c.Expr(), c.loc)
}

type crontabJSON struct {
	Type    Kind   `json:"type"`
	TZ      string `json:"tz"`
	Expr    string `json:"expr,omitempty"`
	Minute  []int  `json:"minute,omitempty"`
	Hour    []int  `json:"hour,omitempty"`
	Day     []int  `json:"day,omitempty"`
	Month   []int  `json:"month,omitempty"`
	Weekday []int  `json:"weekday,omitempty"`
}

// MarshalJSON implements json.Marshaler. Unrestricted fields are omitted.
func (c *Crontab) MarshalJSON() ([]byte, error) {
	j := crontabJSON{Type: KindCrontab, TZ: c.loc.String()}
	if c.minute != minuteField.all() {
		j.Minute = values(minuteField, c.minute)
	}
	if c.hour != hourField.all() {
		j.Hour = values(hourField, c.hour)
	}
	if !c.dayStar {
		j.Day = values(dayField, c.day)
	}
	if c.month != monthField.all() {
		j.Month = values(monthField, c.month)
	}
	if !c.dowStar {
		j.Weekday = values(weekdayField, c.weekday)
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler. Either "expr" or the field
// lists may be given.
func (c *Crontab) UnmarshalJSON(data []byte) error {
	var j crontabJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("crontab schedule: %w", err)
	}
	loc, err := loadLocation(j.TZ)
	if err != nil {
		return fmt.Errorf("crontab schedule: %w", err)
	}
	var parsed *Crontab
	if j.Expr != "" {
		parsed, err = ParseCrontab(j.Expr, loc)
	} else {
		parsed, err = NewCrontab(loc, j.Minute, j.Hour, j.Day, j.Month, j.Weekday)
	}
	if err != nil {
		return err
	}
	*c = *parsed
	return nil
}
