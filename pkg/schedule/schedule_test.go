package schedule

import (
	"encoding/json"
	"testing"
	"time"
	_ "time/tzdata"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%q): %v", name, err)
	}
	return loc
}

func mustDaytime(t *testing.T, s string) Daytime {
	t.Helper()
	dt, err := ParseDaytime(s)
	if err != nil {
		t.Fatalf("ParseDaytime(%q): %v", s, err)
	}
	return dt
}

func testSchedules(t *testing.T) map[string]Schedule {
	t.Helper()
	ny := mustLoad(t, "America/New_York")
	base := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)

	cron, err := ParseCrontab("*/20 8-10 * * 1-5", ny)
	if err != nil {
		t.Fatalf("ParseCrontab: %v", err)
	}
	iv, err := NewInterval(base, 90*time.Minute)
	if err != nil {
		t.Fatalf("NewInterval: %v", err)
	}
	return map[string]Schedule{
		"explicit": NewExplicit(
			base.Add(5*time.Hour), base, base.Add(time.Hour), base.Add(time.Hour), base.Add(72*time.Hour),
		),
		"daily":          NewDaily(ny, AllDays{}, mustDaytime(t, "02:30"), mustDaytime(t, "09:00"), mustDaytime(t, "17:15:30")),
		"daily-weekdays": NewDaily(ny, MonToFri, mustDaytime(t, "12:00")),
		"crontab":        cron,
		"interval":       iv,
	}
}

func TestTimesMonotonic(t *testing.T) {
	start := time.Date(2024, 3, 8, 13, 7, 11, 0, time.UTC)
	for name, s := range testSchedules(t) {
		t.Run(name, func(t *testing.T) {
			times := Take(s.Times(start), 50)
			if len(times) == 0 {
				t.Fatal("no times")
			}
			for i, tm := range times {
				if tm.Before(start) {
					t.Errorf("times[%d] = %v before start %v", i, tm, start)
				}
				if i > 0 && !tm.After(times[i-1]) {
					t.Errorf("times[%d] = %v not after %v", i, tm, times[i-1])
				}
			}
		})
	}
}

func TestTimesRestartConsistent(t *testing.T) {
	t1 := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 3, 10, 7, 31, 0, 0, time.UTC)
	for name, s := range testSchedules(t) {
		t.Run(name, func(t *testing.T) {
			var suffix []time.Time
			for _, tm := range Take(s.Times(t1), 200) {
				if !tm.Before(t2) {
					suffix = append(suffix, tm)
				}
			}
			if len(suffix) > 20 {
				suffix = suffix[:20]
			}
			again := Take(s.Times(t2), len(suffix))
			if len(again) != len(suffix) {
				t.Fatalf("got %d times, want %d", len(again), len(suffix))
			}
			for i := range suffix {
				if !suffix[i].Equal(again[i]) {
					t.Errorf("times[%d] = %v, want %v", i, again[i], suffix[i])
				}
			}
		})
	}
}

func TestExplicitSuffix(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := NewExplicit(base.Add(2*time.Hour), base, base.Add(time.Hour), base)

	tests := []struct {
		start time.Time
		want  int
	}{
		{base.Add(-time.Hour), 3},
		{base, 3},
		{base.Add(time.Minute), 2},
		{base.Add(2 * time.Hour), 1},
		{base.Add(3 * time.Hour), 0},
	}
	for _, tt := range tests {
		got := Take(e.Times(tt.start), 10)
		if len(got) != tt.want {
			t.Errorf("Times(%v) returned %d times, want %d", tt.start, len(got), tt.want)
		}
	}
}

func TestCrontabDailyAcrossDST(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	c, err := NewCrontab(ny, []int{0}, []int{9}, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewCrontab: %v", err)
	}

	// DST begins 2024-03-10 in New York.
	start := time.Date(2024, 3, 8, 0, 0, 0, 0, ny)
	times := Take(c.Times(start), 4)
	if len(times) != 4 {
		t.Fatalf("got %d times, want 4", len(times))
	}
	for i, tm := range times {
		local := tm.In(ny)
		if local.Hour() != 9 || local.Minute() != 0 {
			t.Errorf("times[%d] = %v, want 09:00 local", i, local)
		}
		if want := 8 + i; local.Day() != want {
			t.Errorf("times[%d] day = %d, want %d", i, local.Day(), want)
		}
	}
	if got := times[2].Sub(times[1]); got != 23*time.Hour {
		t.Errorf("gap across DST = %v, want 23h", got)
	}
}

func TestCrontabDayOrWeekday(t *testing.T) {
	// The 1st of the month or any Friday.
	c, err := ParseCrontab("0 0 1 * 5", time.UTC)
	if err != nil {
		t.Fatalf("ParseCrontab: %v", err)
	}
	start := time.Date(2024, 2, 27, 0, 0, 0, 0, time.UTC)
	got := Take(c.Times(start), 3)
	want := []time.Time{
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), // both
		time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("times[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	// Weekday alone decides when day is "*".
	c, err = ParseCrontab("30 6 * * 0", time.UTC)
	if err != nil {
		t.Fatalf("ParseCrontab: %v", err)
	}
	for _, tm := range Take(c.Times(start), 5) {
		if tm.Weekday() != time.Sunday {
			t.Errorf("%v is not a Sunday", tm)
		}
	}
}

func TestCrontabNextWholeMinute(t *testing.T) {
	c, err := ParseCrontab("* * * * *", time.UTC)
	if err != nil {
		t.Fatalf("ParseCrontab: %v", err)
	}
	start := time.Date(2024, 5, 1, 10, 0, 0, 1, time.UTC)
	got := Take(c.Times(start), 1)
	if want := time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC); !got[0].Equal(want) {
		t.Errorf("first = %v, want %v", got[0], want)
	}
}

func TestCrontabUnsatisfiable(t *testing.T) {
	c, err := NewCrontab(time.UTC, []int{0}, []int{0}, []int{30}, []int{2}, nil)
	if err != nil {
		t.Fatalf("NewCrontab: %v", err)
	}
	if got := Take(c.Times(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)), 1); len(got) != 0 {
		t.Errorf("got %v, want no times", got)
	}
}

func TestParseCrontabRejectsEvery(t *testing.T) {
	if _, err := ParseCrontab("@every 5m", nil); err == nil {
		t.Fatal("expected error for @every")
	}
	if _, err := ParseCrontab("61 * * * *", nil); err == nil {
		t.Fatal("expected error for minute 61")
	}
}

func TestDailyCalendarSkipsDates(t *testing.T) {
	dates := NewDates(
		Date{2024, time.January, 2},
		Date{2025, time.June, 30},
		Date{2031, time.December, 31},
	)
	d := NewDaily(time.UTC, dates, Daytime{Hour: 6})
	got := Take(d.Times(time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)), 5)
	want := []time.Time{
		time.Date(2025, 6, 30, 6, 0, 0, 0, time.UTC),
		time.Date(2031, 12, 31, 6, 0, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("times[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDailyWeekdays(t *testing.T) {
	d := NewDaily(time.UTC, MonToFri, Daytime{Hour: 12})
	// 2024-03-09 is a Saturday.
	got := Take(d.Times(time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)), 1)
	if want := time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC); !got[0].Equal(want) {
		t.Errorf("first = %v, want %v", got[0], want)
	}
}

func TestIntervalPhase(t *testing.T) {
	anchor := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	iv, err := NewInterval(anchor, time.Hour)
	if err != nil {
		t.Fatalf("NewInterval: %v", err)
	}
	tests := []struct {
		start, want time.Time
	}{
		{anchor, anchor},
		{anchor.Add(time.Minute), anchor.Add(time.Hour)},
		{anchor.Add(-90 * time.Minute), anchor.Add(-time.Hour)},
		{anchor.Add(5 * time.Hour), anchor.Add(5 * time.Hour)},
	}
	for _, tt := range tests {
		got := Take(iv.Times(tt.start), 1)
		if !got[0].Equal(tt.want) {
			t.Errorf("Times(%v) first = %v, want %v", tt.start, got[0], tt.want)
		}
	}
	if _, err := NewInterval(anchor, 0); err == nil {
		t.Error("expected error for zero period")
	}
}

func TestUnmarshalSchedules(t *testing.T) {
	start := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	for name, s := range testSchedules(t) {
		t.Run(name, func(t *testing.T) {
			data, err := Marshal(s)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			got, err := Unmarshal(data)
			if err != nil {
				t.Fatalf("Unmarshal(%s): %v", data, err)
			}
			if got.Kind() != s.Kind() {
				t.Fatalf("Kind = %q, want %q", got.Kind(), s.Kind())
			}
			a, b := Take(s.Times(start), 30), Take(got.Times(start), 30)
			if len(a) != len(b) {
				t.Fatalf("got %d times, want %d", len(b), len(a))
			}
			for i := range a {
				if !a[i].Equal(b[i]) {
					t.Errorf("times[%d] = %v, want %v", i, b[i], a[i])
				}
			}
		})
	}
}

func TestUnmarshalShorthand(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		wantErr bool
	}{
		{"daily weekdays", `{"type":"daily","tz":"Europe/Berlin","calendar":"weekdays","daytime":["07:00"]}`, false},
		{"daily object calendar", `{"type":"daily","calendar":{"type":"weekdays","weekdays":["Sat","sunday"]},"daytime":["07:00:05"]}`, false},
		{"crontab expr", `{"type":"crontab","tz":"UTC","expr":"0 9 * * *"}`, false},
		{"crontab lists", `{"type":"crontab","minute":[0,30],"hour":[9]}`, false},
		{"interval", `{"type":"interval","start":"2024-01-01T00:00:00Z","period":"15m"}`, false},
		{"missing type", `{"times":[]}`, true},
		{"unknown type", `{"type":"lunar"}`, true},
		{"bad tz", `{"type":"daily","tz":"Mars/Olympus","daytime":["07:00"]}`, true},
		{"no daytimes", `{"type":"daily","daytime":[]}`, true},
		{"bad calendar", `{"type":"daily","calendar":"holidays","daytime":["07:00"]}`, true},
		{"bad period", `{"type":"interval","start":"2024-01-01T00:00:00Z","period":"-1h"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal([]byte(tt.json))
			if (err != nil) != tt.wantErr {
				t.Errorf("Unmarshal error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCrontabExprRoundTrip(t *testing.T) {
	c, err := ParseCrontab("0,15,30 9-17 * 1-6 1-5", time.UTC)
	if err != nil {
		t.Fatalf("ParseCrontab: %v", err)
	}
	if got, want := c.Expr(), "0,15,30 9-17 * 1-6 1-5"; got != want {
		t.Errorf("Expr = %q, want %q", got, want)
	}
	var j map[string]any
	data, _ := json.Marshal(c)
	if err := json.Unmarshal(data, &j); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := j["day"]; ok {
		t.Errorf("unrestricted day should be omitted: %s", data)
	}
}
