package prompt

import (
	"fmt"
	"time"
)

// weekdaysSV maps Go weekday names to spoken Swedish. Falls back to the
// English name for unmapped locales.
var weekdaysSV = map[time.Weekday]string{
	time.Monday:    "måndag",
	time.Tuesday:   "tisdag",
	time.Wednesday: "onsdag",
	time.Thursday:  "torsdag",
	time.Friday:    "fredag",
	time.Saturday:  "lördag",
	time.Sunday:    "söndag",
}

func localWeekday(day time.Weekday, locale string) string {
	if locale == "sv" {
		if name, ok := weekdaysSV[day]; ok {
			return name
		}
	}
	return day.String()
}

// realtimeBlock renders the clock context the model needs to answer
// time-anchored questions: time, date, weekday and ISO week.
func realtimeBlock(now time.Time, locale string) string {
	_, week := now.ISOWeek()
	return fmt.Sprintf(`DIN AKTUELLA KONTEXT:
- Tid: %s
- Datum: %s
- Veckodag: %s
- Vecka: %d`,
		now.Format("15:04:05"),
		now.Format("2006-01-02"),
		localWeekday(now.Weekday(), locale),
		week)
}
