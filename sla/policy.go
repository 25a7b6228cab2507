// Package sla computes response/resolution due timestamps and runs the
// periodic breach-alerting sweep.
package sla

import "time"

// Policy holds the configured response windows. Due timestamps are computed
// once at submission and never implicitly recomputed.
type Policy struct {
	LoanFirstResponse   time.Duration
	LoanResolution      time.Duration
	TicketFirstResponse time.Duration
	TicketResolution    time.Duration

	// WarningFraction is the tail of the resolution window (0..1) within which
	// the warning pass fires.
	WarningFraction float64
}

// DueAt stamps both due timestamps for a new request of the given kind.
func (p Policy) DueAt(now time.Time, kind, category string) (firstResponse, resolution time.Time) {
	fr, res := p.LoanFirstResponse, p.LoanResolution
	if kind == "ticket" {
		fr, res = p.TicketFirstResponse, p.TicketResolution
	}
	return now.Add(fr), now.Add(res)
}

// WarnAt returns the instant the warning pass starts selecting the record:
// resolution_due minus the warning fraction of the whole window.
func (p Policy) WarnAt(createdAt, resolutionDue time.Time) time.Time {
	window := resolutionDue.Sub(createdAt)
	if window <= 0 {
		return resolutionDue
	}
	lead := time.Duration(float64(window) * p.WarningFraction)
	return resolutionDue.Add(-lead)
}
