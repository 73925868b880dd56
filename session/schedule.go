package session

import "time"

// Schedule is the interval contract for clients holding a token: check the
// session every RevalidateEvery and exchange the token every RefreshEvery.
// The owning process decides what drives the ticks.
type Schedule struct {
	RevalidateEvery time.Duration `json:"revalidate_every"`
	RefreshEvery    time.Duration `json:"refresh_every"`
}

// DefaultSchedule re-validates every 5 minutes and refreshes every 30.
var DefaultSchedule = Schedule{
	RevalidateEvery: 5 * time.Minute,
	RefreshEvery:    30 * time.Minute,
}

// Due reports which actions are due at now for a token issued at issuedAt
// and last checked at lastChecked. A zero lastChecked is always due.
func (s Schedule) Due(issuedAt, lastChecked, now time.Time) (revalidate, refresh bool) {
	revalidate = lastChecked.IsZero() || now.Sub(lastChecked) >= s.RevalidateEvery
	refresh = !issuedAt.IsZero() && now.Sub(issuedAt) >= s.RefreshEvery
	return revalidate, refresh
}

// NextRevalidation returns when the next check is due.
func (s Schedule) NextRevalidation(lastChecked time.Time) time.Time {
	return lastChecked.Add(s.RevalidateEvery)
}

// NextRefresh returns when the token issued at issuedAt should be refreshed.
func (s Schedule) NextRefresh(issuedAt time.Time) time.Time {
	return issuedAt.Add(s.RefreshEvery)
}
