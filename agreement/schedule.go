package agreement

import "time"

// DueSoonWindow is how far ahead an upcoming payment counts as due soon.
const DueSoonWindow = 72 * time.Hour

// NextDate adds one cadence unit to prev. Monthly steps land on anchor's day
// of month, clamped to the last day of shorter months, so a 31st anchor
// goes Jan 31, Feb 29, Mar 31. The clock time of prev is kept. A zero anchor
// uses prev.
func NextDate(prev time.Time, f Frequency, anchor time.Time) time.Time {
	prev = prev.UTC()
	switch f {
	case FrequencyDaily:
		return prev.AddDate(0, 0, 1)
	case FrequencyWeekly:
		return prev.AddDate(0, 0, 7)
	case FrequencyMonthly:
		if anchor.IsZero() {
			anchor = prev
		}
		y, m, _ := prev.Date()
		first := time.Date(y, m+1, 1, prev.Hour(), prev.Minute(), prev.Second(), prev.Nanosecond(), time.UTC)
		day := anchor.UTC().Day()
		if last := daysIn(first.Year(), first.Month()); day > last {
			day = last
		}
		return first.AddDate(0, 0, day-1)
	default:
		return prev
	}
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// IsDue reports whether an active agreement's payment date has arrived.
func (a Agreement) IsDue(now time.Time) bool {
	return a.Status == StatusActive && !a.NextPaymentDate.After(now)
}

// IsUpcoming reports whether an active agreement's payment date is in the future.
func (a Agreement) IsUpcoming(now time.Time) bool {
	return a.Status == StatusActive && a.NextPaymentDate.After(now)
}

// IsDueSoon reports whether an upcoming payment falls within DueSoonWindow.
func (a Agreement) IsDueSoon(now time.Time) bool {
	return a.IsUpcoming(now) && !a.NextPaymentDate.After(now.Add(DueSoonWindow))
}

// Advance returns the state after one confirmed payment at now. It never
// skips cycles: NextPaymentDate moves exactly one unit from its prior value.
func (a Agreement) Advance(now time.Time) Advancement {
	cycles := a.CyclesCompleted + 1
	status := StatusActive
	if a.CyclesTotal != nil && cycles >= *a.CyclesTotal {
		status = StatusCompleted
	}
	return Advancement{
		AgreementID:     a.ID,
		ExpectedCycles:  a.CyclesCompleted,
		CyclesCompleted: cycles,
		NextPaymentDate: NextDate(a.NextPaymentDate, a.Frequency, a.StartDate),
		LastPaymentDate: now.UTC(),
		Status:          status,
	}
}

// Schedule groups active agreements by payment timing. DueSoon is a subset
// of Upcoming.
type Schedule struct {
	Due      []Agreement
	Upcoming []Agreement
	DueSoon  []Agreement
}

// Classify buckets agreements at now. Non-active agreements are dropped.
func Classify(list []Agreement, now time.Time) Schedule {
	var s Schedule
	for _, a := range list {
		switch {
		case a.IsDue(now):
			s.Due = append(s.Due, a)
		case a.IsUpcoming(now):
			s.Upcoming = append(s.Upcoming, a)
			if a.IsDueSoon(now) {
				s.DueSoon = append(s.DueSoon, a)
			}
		}
	}
	return s
}
