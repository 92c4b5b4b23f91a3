package scheduler

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseExpr parses a compact trigger string.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "*/10 * * * * *", "@hourly"
//   - Interval duration: "55m", "2h30m", "500ms"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - Date: "date:2026-01-02 15:04:05"
//
// Optional prefixes "cron:", "interval:"/"every:" and "date:" force the kind.
func ParseExpr(raw string, loc *time.Location) (Trigger, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Trigger{}, fmt.Errorf("trigger required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Trigger{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		return Trigger{Kind: KindCron, Cron: expr}, nil
	case strings.HasPrefix(low, "interval:"):
		d, err := parseInterval(s[len("interval:"):])
		return Trigger{Kind: KindInterval, Every: d}, err
	case strings.HasPrefix(low, "every:"):
		d, err := parseInterval(s[len("every:"):])
		return Trigger{Kind: KindInterval, Every: d}, err
	case strings.HasPrefix(low, "date:"):
		t, err := parseDate(strings.TrimSpace(s[len("date:"):]), loc)
		if err != nil {
			return Trigger{}, err
		}
		return Trigger{Kind: KindDate, Dates: []time.Time{t}}, nil
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return Trigger{Kind: KindCron, Cron: s}, nil
	}
	if d, err := parseInterval(s); err == nil {
		return Trigger{Kind: KindInterval, Every: d}, nil
	}
	return Trigger{}, fmt.Errorf(
		"invalid trigger %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

// ParseTrigger builds a Trigger from a catalog entry: a type name plus a
// free-form settings map.
//
//	interval: {weeks, days, hours, minutes, seconds} or {every: "5s"}
//	cron:     {expr: "*/5 * * * *"} or {second, minute, hour, day, month, day_of_week}
//	date:     {run_date: "..."} or {run_dates: ["...", ...]}
func ParseTrigger(kind string, setting map[string]any, loc *time.Location) (Trigger, error) {
	if loc == nil {
		loc = time.Local
	}
	switch TriggerKind(strings.ToLower(strings.TrimSpace(kind))) {
	case KindInterval:
		return parseIntervalSetting(setting)
	case KindCron:
		return parseCronSetting(setting)
	case KindDate:
		return parseDateSetting(setting, loc)
	case "":
		return Trigger{}, fmt.Errorf("trigger type required")
	default:
		return Trigger{}, fmt.Errorf("unknown trigger type %q (want interval, cron or date)", kind)
	}
}

var intervalUnits = []struct {
	key  string
	unit time.Duration
}{
	{"weeks", 7 * 24 * time.Hour},
	{"days", 24 * time.Hour},
	{"hours", time.Hour},
	{"minutes", time.Minute},
	{"seconds", time.Second},
}

func parseIntervalSetting(setting map[string]any) (Trigger, error) {
	if v, ok := setting["every"]; ok {
		s, ok := v.(string)
		if !ok {
			return Trigger{}, fmt.Errorf("interval: every must be a string like '5s'")
		}
		d, err := parseInterval(s)
		if err != nil {
			return Trigger{}, err
		}
		return Trigger{Kind: KindInterval, Every: d}, nil
	}

	var total time.Duration
	for _, u := range intervalUnits {
		v, ok := setting[u.key]
		if !ok {
			continue
		}
		n, err := toFloat(v)
		if err != nil {
			return Trigger{}, fmt.Errorf("interval: %s: %w", u.key, err)
		}
		if n < 0 {
			return Trigger{}, fmt.Errorf("interval: %s must not be negative", u.key)
		}
		total += time.Duration(n * float64(u.unit))
	}
	if total <= 0 {
		return Trigger{}, fmt.Errorf("interval must be > 0")
	}
	return Trigger{Kind: KindInterval, Every: total}, nil
}

// cronFields in least-to-most significant order, with the minimum each field
// falls back to when a more significant field is set.
var cronFields = []struct {
	key string
	min string
}{
	{"second", "0"},
	{"minute", "0"},
	{"hour", "0"},
	{"day", "*"},
	{"month", "*"},
}

var (
	reNum    = regexp.MustCompile(`\d+`)
	dowNames = []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}
)

func parseCronSetting(setting map[string]any) (Trigger, error) {
	if v, ok := setting["expr"]; ok {
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return Trigger{}, fmt.Errorf("cron: expr must be a non-empty string")
		}
		return Trigger{Kind: KindCron, Cron: strings.TrimSpace(s)}, nil
	}
	for _, k := range []string{"year", "week", "start_date", "end_date"} {
		if _, ok := setting[k]; ok {
			return Trigger{}, fmt.Errorf("cron: field %q is not supported", k)
		}
	}

	vals := make([]string, len(cronFields))
	least := -1
	for i, f := range cronFields {
		v, ok := setting[f.key]
		if !ok {
			continue
		}
		s, err := cronValue(v)
		if err != nil {
			return Trigger{}, fmt.Errorf("cron: %s: %w", f.key, err)
		}
		vals[i] = s
		if least < 0 {
			least = i
		}
	}
	dow := "*"
	if v, ok := setting["day_of_week"]; ok {
		s, err := cronValue(v)
		if err != nil {
			return Trigger{}, fmt.Errorf("cron: day_of_week: %w", err)
		}
		// Monday is 0 in catalogs; robfig counts from Sunday, names avoid the shift.
		dow = reNum.ReplaceAllStringFunc(s, func(n string) string {
			i, _ := strconv.Atoi(n)
			if i < 0 || i >= len(dowNames) {
				return n
			}
			return dowNames[i]
		})
		if least < 0 {
			least = len(cronFields)
		}
	}
	if least < 0 {
		return Trigger{}, fmt.Errorf("cron: at least one field required")
	}

	out := make([]string, 0, 6)
	for i, f := range cronFields {
		switch {
		case vals[i] != "":
			out = append(out, vals[i])
		case i < least:
			out = append(out, f.min)
		default:
			out = append(out, "*")
		}
	}
	out = append(out, dow)
	return Trigger{Kind: KindCron, Cron: strings.Join(out, " ")}, nil
}

func cronValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return "", fmt.Errorf("empty value")
		}
		return s, nil
	default:
		n, err := toFloat(v)
		if err != nil {
			return "", err
		}
		if n != math.Trunc(n) || n < 0 {
			return "", fmt.Errorf("want a non-negative integer, got %v", v)
		}
		return strconv.FormatInt(int64(n), 10), nil
	}
}

func parseDateSetting(setting map[string]any, loc *time.Location) (Trigger, error) {
	var raws []any
	if v, ok := setting["run_date"]; ok {
		raws = append(raws, v)
	}
	if v, ok := setting["run_dates"]; ok {
		list, ok := v.([]any)
		if !ok {
			return Trigger{}, fmt.Errorf("date: run_dates must be a list")
		}
		raws = append(raws, list...)
	}
	if len(raws) == 0 {
		return Trigger{}, fmt.Errorf("date: run_date or run_dates required")
	}

	dates := make([]time.Time, 0, len(raws))
	for _, r := range raws {
		var (
			t   time.Time
			err error
		)
		switch x := r.(type) {
		case string:
			t, err = parseDate(x, loc)
		case time.Time:
			t = x
		default:
			err = fmt.Errorf("date: unsupported run date %v", r)
		}
		if err != nil {
			return Trigger{}, err
		}
		dates = append(dates, t)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return Trigger{Kind: KindDate, Dates: dates}, nil
}

var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid run date %q (use RFC3339 or 'YYYY-MM-DD HH:MM:SS')", s)
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		return parseHHMMDuration(v)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("want a number, got %q", x)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("want a number, got %T", v)
	}
}
