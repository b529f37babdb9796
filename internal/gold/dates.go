package gold

import (
	"slices"
	"time"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// DateRow builds the calendar row of a day. DayOfWeek is ISO (Monday = 1).
func DateRow(day time.Time) warehouse.DateDim {
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dow := int(day.Weekday())
	if dow == 0 {
		dow = 7
	}
	return warehouse.DateDim{
		DateKey:   warehouse.DateKeyOf(day),
		Date:      day,
		Year:      day.Year(),
		Quarter:   (int(day.Month())-1)/3 + 1,
		Month:     int(day.Month()),
		Day:       day.Day(),
		DayOfWeek: dow,
	}
}

// DateWindow returns calendar rows for [today-back, today+forward].
func DateWindow(today time.Time, back, forward int) []warehouse.DateDim {
	if back < 0 {
		back = 0
	}
	if forward < 0 {
		forward = 0
	}
	out := make([]warehouse.DateDim, 0, back+forward+1)
	for i := -back; i <= forward; i++ {
		out = append(out, DateRow(today.AddDate(0, 0, i)))
	}
	return out
}

// LatestPerDay keeps the most recently observed snapshot per calendar day, ordered by day. Ties on
// ObservedAt keep the first one seen.
func LatestPerDay(snapshots []warehouse.DailySnapshot) []warehouse.DailySnapshot {
	byDay := make(map[int]warehouse.DailySnapshot, len(snapshots))
	order := make([]int, 0, len(snapshots))
	for _, s := range snapshots {
		key := warehouse.DateKeyOf(s.Day)
		cur, ok := byDay[key]
		if !ok {
			order = append(order, key)
			byDay[key] = s
			continue
		}
		if s.ObservedAt.After(cur.ObservedAt) {
			byDay[key] = s
		}
	}
	slices.Sort(order)
	out := make([]warehouse.DailySnapshot, 0, len(order))
	for _, key := range order {
		out = append(out, byDay[key])
	}
	return out
}

// DaysOnSite counts whole days between the first sighting and day.
func DaysOnSite(firstSeen time.Time, day time.Time, loc *time.Location) int {
	first := warehouse.DayOf(firstSeen, loc)
	d := int(day.Sub(first).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}
