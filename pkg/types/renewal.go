package types

import "time"

// RenewalCycle is the billing period of a host renewal.
type RenewalCycle string

const (
	CycleMonthly      RenewalCycle = "monthly"
	CycleQuarterly    RenewalCycle = "quarterly"
	CycleSemiAnnually RenewalCycle = "semi_annually"
	CycleAnnually     RenewalCycle = "annually"
	CycleBiennially   RenewalCycle = "biennially"
	CycleTriennially  RenewalCycle = "triennially"
	CycleCustomDays   RenewalCycle = "custom_days"
)

// Renewal tracks the billing lifecycle of a host: when it next renews,
// whether the reminder fired, and whether renewal advances automatically.
type Renewal struct {
	HostID           int64        `json:"host_id"`
	Cycle            RenewalCycle `json:"cycle"`
	CustomCycleDays  int32        `json:"custom_cycle_days,omitempty"`
	PriceCents       int64        `json:"price_cents,omitempty"`
	Currency         string       `json:"currency,omitempty"`
	LastRenewalDate  *time.Time   `json:"last_renewal_date,omitempty"`
	NextRenewalDate  *time.Time   `json:"next_renewal_date,omitempty"`
	AutoRenewEnabled bool         `json:"auto_renew_enabled"`
	ReminderActive   bool         `json:"reminder_active"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// NextDate advances from the given date by one cycle. Month-based cycles
// clamp to the last day of a shorter target month.
func (r *Renewal) NextDate(from time.Time) time.Time {
	switch r.Cycle {
	case CycleMonthly:
		return addMonthsClamped(from, 1)
	case CycleQuarterly:
		return addMonthsClamped(from, 3)
	case CycleSemiAnnually:
		return addMonthsClamped(from, 6)
	case CycleAnnually:
		return addMonthsClamped(from, 12)
	case CycleBiennially:
		return addMonthsClamped(from, 24)
	case CycleTriennially:
		return addMonthsClamped(from, 36)
	case CycleCustomDays:
		days := r.CustomCycleDays
		if days <= 0 {
			days = 30
		}
		return from.AddDate(0, 0, int(days))
	}
	return addMonthsClamped(from, 1)
}

// addMonthsClamped adds n months keeping the day of month, clamping to the
// last day when the target month is shorter (Jan 31 + 1mo = Feb 28/29).
func addMonthsClamped(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
