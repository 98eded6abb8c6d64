package eventlog

import (
	"strconv"
	"strings"
	"time"
)

const (
	tsLayout      = "2006-01-02T15:04:05-07:00"
	tsLayoutMicro = "2006-01-02T15:04:05.000000-07:00"
)

// FormatTimestamp renders t in UTC as ISO-8601 with a numeric offset
// ("+00:00"). A six-digit fraction is included only when the microsecond
// part is non-zero; sub-microsecond precision is dropped.
func FormatTimestamp(t time.Time) string {
	t = t.UTC()
	if t.Nanosecond()/int(time.Microsecond) == 0 {
		return t.Format(tsLayout)
	}
	return t.Format(tsLayoutMicro)
}

// Key returns the partitioned object key for an event shipped at ts:
//
//	date=YYYY-MM-DD/hour=HH/{chatID}_{timestamp}.json
//
// Identical (ts, chatID) pairs yield identical keys.
func Key(ts time.Time, chatID int64) string {
	lit := FormatTimestamp(ts)
	date, clock, _ := strings.Cut(lit, "T")

	var b strings.Builder
	b.Grow(len(lit)*2 + 32)
	b.WriteString("date=")
	b.WriteString(date)
	b.WriteString("/hour=")
	b.WriteString(clock[:2])
	b.WriteByte('/')
	b.WriteString(strconv.FormatInt(chatID, 10))
	b.WriteByte('_')
	b.WriteString(lit)
	b.WriteString(".json")
	return b.String()
}
