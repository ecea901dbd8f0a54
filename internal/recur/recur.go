// Package recur computes the next occurrence of a recurrence specification.
// It is pure and deterministic: no store, no clock, no side effects.
//
// Grammar (options may follow the body, space-separated):
//
//	every <N><s|m|h|d>              fixed interval
//	daily@HH:MM                     calendar-anchored, every day
//	weekly@<dow[,dow...]> HH:MM     dow in mon..sun
//	monthly@<DD> HH:MM              months lacking day DD are skipped
//	cron:<5-field expression>       standard cron semantics
//
//	options: tz=<IANA zone>  count=<N>  until=<RFC3339>
//
// Calendar-anchored specs re-resolve the wall-clock target in their zone for
// each occurrence, so "daily@09:00 tz=Australia/Sydney" stays at local 09:00
// across daylight-saving transitions. A wall-clock time that does not exist
// on some day (DST spring-forward) resolves to the first valid instant after
// the gap.
package recur

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrExhausted is returned when a bounded recurrence has no next occurrence.
var ErrExhausted = errors.New("recur: schedule exhausted")

type kind int

const (
	kindEvery kind = iota
	kindDaily
	kindWeekly
	kindMonthly
	kindCron
)

// Spec is a parsed recurrence specification.
type Spec struct {
	kind kind

	interval     time.Duration // kindEvery
	intervalText string

	hour, minute int            // calendar kinds
	days         []time.Weekday // kindWeekly, non-empty
	dayOfMonth   int            // kindMonthly

	cronExpr string // kindCron
	sched    cron.Schedule

	loc    *time.Location
	tzName string

	count int       // remaining occurrences; 0 = unbounded
	until time.Time // zero = unbounded
}

// Parse validates and parses a recurrence spec. Malformed specs, including
// an empty day-of-week set, are rejected here at creation time so they never
// reach the poller.
func Parse(s string) (*Spec, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, fmt.Errorf("recur: empty spec")
	}

	sp := &Spec{loc: time.UTC}

	// Peel options off the tail.
	body := fields
	for len(body) > 1 {
		last := body[len(body)-1]
		key, val, ok := strings.Cut(last, "=")
		if !ok {
			break
		}
		switch key {
		case "tz":
			loc, err := time.LoadLocation(val)
			if err != nil {
				return nil, fmt.Errorf("recur: bad tz %q: %w", val, err)
			}
			sp.loc = loc
			sp.tzName = val
		case "count":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("recur: bad count %q", val)
			}
			sp.count = n
		case "until":
			t, err := time.Parse(time.RFC3339, val)
			if err != nil {
				return nil, fmt.Errorf("recur: bad until %q: %w", val, err)
			}
			sp.until = t
		default:
			return nil, fmt.Errorf("recur: unknown option %q", key)
		}
		body = body[:len(body)-1]
	}

	head := body[0]
	switch {
	case head == "every":
		if len(body) != 2 {
			return nil, fmt.Errorf("recur: expected 'every <N><unit>'")
		}
		iv, err := parseInterval(body[1])
		if err != nil {
			return nil, err
		}
		sp.kind = kindEvery
		sp.interval = iv
		sp.intervalText = body[1]

	case strings.HasPrefix(head, "daily@"):
		if len(body) != 1 {
			return nil, fmt.Errorf("recur: unexpected tokens after daily spec")
		}
		h, m, err := parseClock(strings.TrimPrefix(head, "daily@"))
		if err != nil {
			return nil, err
		}
		sp.kind = kindDaily
		sp.hour, sp.minute = h, m

	case strings.HasPrefix(head, "weekly@"):
		if len(body) != 2 {
			return nil, fmt.Errorf("recur: expected 'weekly@<days> HH:MM'")
		}
		days, err := parseWeekdays(strings.TrimPrefix(head, "weekly@"))
		if err != nil {
			return nil, err
		}
		h, m, err := parseClock(body[1])
		if err != nil {
			return nil, err
		}
		sp.kind = kindWeekly
		sp.days = days
		sp.hour, sp.minute = h, m

	case strings.HasPrefix(head, "monthly@"):
		if len(body) != 2 {
			return nil, fmt.Errorf("recur: expected 'monthly@<DD> HH:MM'")
		}
		dom, err := strconv.Atoi(strings.TrimPrefix(head, "monthly@"))
		if err != nil || dom < 1 || dom > 31 {
			return nil, fmt.Errorf("recur: bad day-of-month %q", strings.TrimPrefix(head, "monthly@"))
		}
		h, m, err := parseClock(body[1])
		if err != nil {
			return nil, err
		}
		sp.kind = kindMonthly
		sp.dayOfMonth = dom
		sp.hour, sp.minute = h, m

	case strings.HasPrefix(head, "cron:"):
		expr := strings.TrimSpace(strings.TrimPrefix(strings.Join(body, " "), "cron:"))
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			return nil, fmt.Errorf("recur: bad cron expression %q: %w", expr, err)
		}
		sp.kind = kindCron
		sp.cronExpr = expr
		sp.sched = sched

	default:
		return nil, fmt.Errorf("recur: unrecognized spec %q", s)
	}

	return sp, nil
}

// Next computes the first occurrence strictly after ref, honoring the until
// bound. Count bounds are handled by Advance.
func (sp *Spec) Next(ref time.Time) (time.Time, error) {
	var next time.Time
	switch sp.kind {
	case kindEvery:
		next = ref.Add(sp.interval)

	case kindDaily:
		local := ref.In(sp.loc)
		for i := 0; i < 3; i++ {
			cand := sp.wallTime(local.Year(), local.Month(), local.Day()+i)
			if cand.After(ref) {
				next = cand
				break
			}
		}

	case kindWeekly:
		local := ref.In(sp.loc)
		for i := 0; i < 9 && next.IsZero(); i++ {
			cand := sp.wallTime(local.Year(), local.Month(), local.Day()+i)
			if cand.After(ref) && weekdayIn(sp.days, cand.Weekday()) {
				next = cand
			}
		}

	case kindMonthly:
		local := ref.In(sp.loc)
		for i := 0; i < 48 && next.IsZero(); i++ {
			cand := sp.wallTime(local.Year(), local.Month()+time.Month(i), sp.dayOfMonth)
			if cand.Day() != sp.dayOfMonth {
				continue // month lacks this day
			}
			if cand.After(ref) {
				next = cand
			}
		}

	case kindCron:
		next = sp.sched.Next(ref.In(sp.loc))
	}

	if next.IsZero() {
		return time.Time{}, fmt.Errorf("recur: no next occurrence after %s", ref.Format(time.RFC3339))
	}
	if !sp.until.IsZero() && next.After(sp.until) {
		return time.Time{}, ErrExhausted
	}
	return next, nil
}

// Advance computes the next occurrence after ref and the spec the successor
// item should carry (with a decremented count when bounded). ErrExhausted
// means the series ends with the occurrence that just fired.
func (sp *Spec) Advance(ref time.Time) (time.Time, *Spec, error) {
	if sp.count == 1 {
		return time.Time{}, nil, ErrExhausted
	}
	next, err := sp.Next(ref)
	if err != nil {
		return time.Time{}, nil, err
	}
	rest := *sp
	if rest.count > 0 {
		rest.count--
	}
	return next, &rest, nil
}

// String renders the spec in canonical parseable form.
func (sp *Spec) String() string {
	var b strings.Builder
	switch sp.kind {
	case kindEvery:
		fmt.Fprintf(&b, "every %s", sp.intervalText)
	case kindDaily:
		fmt.Fprintf(&b, "daily@%02d:%02d", sp.hour, sp.minute)
	case kindWeekly:
		fmt.Fprintf(&b, "weekly@%s %02d:%02d", renderWeekdays(sp.days), sp.hour, sp.minute)
	case kindMonthly:
		fmt.Fprintf(&b, "monthly@%d %02d:%02d", sp.dayOfMonth, sp.hour, sp.minute)
	case kindCron:
		fmt.Fprintf(&b, "cron:%s", sp.cronExpr)
	}
	if sp.tzName != "" {
		fmt.Fprintf(&b, " tz=%s", sp.tzName)
	}
	if sp.count > 0 {
		fmt.Fprintf(&b, " count=%d", sp.count)
	}
	if !sp.until.IsZero() {
		fmt.Fprintf(&b, " until=%s", sp.until.Format(time.RFC3339))
	}
	return b.String()
}

// wallTime resolves the spec's HH:MM on a calendar day in its zone. A wall
// time swallowed by a DST spring-forward gap resolves to the first valid
// instant after the gap, not the normalized time on the other side of it.
func (sp *Spec) wallTime(year int, month time.Month, day int) time.Time {
	t := time.Date(year, month, day, sp.hour, sp.minute, 0, 0, sp.loc)
	if t.Hour() == sp.hour && t.Minute() == sp.minute {
		return t
	}
	return gapEnd(t)
}

// gapEnd locates the zone offset transition nearest t and returns its first
// instant. t came out of a normalization that crossed a gap, so exactly one
// transition lies within a day of it.
func gapEnd(t time.Time) time.Time {
	lo, hi := t.Add(-24*time.Hour), t.Add(24*time.Hour)
	_, after := hi.Zone()
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2).Round(time.Second)
		if _, off := mid.Zone(); off == after {
			hi = mid
		} else {
			lo = mid
		}
	}
	return hi
}

func parseInterval(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("recur: bad interval %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("recur: bad interval %q", s)
	}
	switch s[len(s)-1] {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("recur: bad interval unit in %q", s)
}

func parseClock(s string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("recur: bad time %q, want HH:MM", s)
	}
	hour, err = strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("recur: bad hour in %q", s)
	}
	minute, err = strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("recur: bad minute in %q", s)
	}
	return hour, minute, nil
}

var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
	"sun": time.Sunday,
}

func parseWeekdays(s string) ([]time.Weekday, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("recur: day-of-week set must not be empty")
	}
	seen := make(map[time.Weekday]bool)
	for _, part := range strings.Split(s, ",") {
		d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(part))]
		if !ok {
			return nil, fmt.Errorf("recur: bad weekday %q", part)
		}
		seen[d] = true
	}
	days := make([]time.Weekday, 0, len(seen))
	for d := range seen {
		days = append(days, d)
	}
	// Monday-first ordering for a stable canonical rendering.
	sort.Slice(days, func(i, j int) bool { return mondayIndex(days[i]) < mondayIndex(days[j]) })
	return days, nil
}

func mondayIndex(d time.Weekday) int {
	if d == time.Sunday {
		return 6
	}
	return int(d) - 1
}

var weekdayShort = map[time.Weekday]string{
	time.Monday: "mon", time.Tuesday: "tue", time.Wednesday: "wed",
	time.Thursday: "thu", time.Friday: "fri", time.Saturday: "sat",
	time.Sunday: "sun",
}

func renderWeekdays(days []time.Weekday) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = weekdayShort[d]
	}
	return strings.Join(parts, ",")
}

func weekdayIn(days []time.Weekday, d time.Weekday) bool {
	for _, v := range days {
		if v == d {
			return true
		}
	}
	return false
}
