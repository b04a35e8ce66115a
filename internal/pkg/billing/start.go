package billing

import (
	"math/rand"
	"strconv"
	"time"

	"github.com/ManuelReschke/HangarLedger/internal/pkg/gateway"
)

// Metadata keys recording a collection start that lies in the past.
const (
	MetadataBackdateStartDate = "backdate_start_date"
	MetadataBackdateDays      = "backdate_days"
)

// ProrationNone disables the partial-period charge before the anchor.
const ProrationNone = "none"

// Billing anchors for future starts fall in [anchorFirstHour, anchorLastHour)
// local time so renewals do not cluster on one instant.
const (
	anchorFirstHour = 8
	anchorLastHour  = 12
	anchorMinutes   = 59
)

// StartBranch names which case the calculator chose.
type StartBranch string

const (
	StartToday  StartBranch = "today"
	StartPast   StartBranch = "past"
	StartFuture StartBranch = "future"
)

// StartInput is the requested first billing instant and the reference clock.
// Location is the airport's time zone; nil means UTC. Rand picks the anchor
// time of day; nil uses a generator seeded from Now.
type StartInput struct {
	CollectionStart time.Time
	Now             time.Time
	Location        *time.Location
	Rand            *rand.Rand
}

// StartParams are the computed subscription start settings.
type StartParams struct {
	Branch             StartBranch
	TrialDays          int64
	BackdateStartDate  *time.Time
	BackdateDays       int
	BillingCycleAnchor *time.Time
	ProrationBehavior  string
}

// CalculateStart decides how a subscription should start. A collection date
// on today's local date starts immediately, a past date starts immediately
// and records the backdate in metadata, and a future date anchors billing on
// that local day.
func CalculateStart(in StartInput) StartParams {
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	startDay := localMidnight(in.CollectionStart, loc)
	today := localMidnight(in.Now, loc)

	switch {
	case startDay.Equal(today):
		return StartParams{Branch: StartToday}

	case startDay.Before(today):
		backdate := startDay
		return StartParams{
			Branch:            StartPast,
			BackdateStartDate: &backdate,
			BackdateDays:      daysBetween(startDay, today),
		}

	default:
		r := in.Rand
		if r == nil {
			r = rand.New(rand.NewSource(in.Now.UnixNano()))
		}
		hour := anchorFirstHour + r.Intn(anchorLastHour-anchorFirstHour)
		minute := r.Intn(anchorMinutes)
		anchor := time.Date(startDay.Year(), startDay.Month(), startDay.Day(), hour, minute, 0, 0, loc)
		return StartParams{
			Branch:             StartFuture,
			BillingCycleAnchor: &anchor,
			ProrationBehavior:  ProrationNone,
		}
	}
}

// Metadata returns the subscription metadata entries implied by the start.
func (p StartParams) Metadata() map[string]string {
	if p.BackdateStartDate == nil {
		return map[string]string{}
	}
	return map[string]string{
		MetadataBackdateStartDate: p.BackdateStartDate.Format("2006-01-02"),
		MetadataBackdateDays:      strconv.Itoa(p.BackdateDays),
	}
}

// Settings converts the start into gateway parameters, merging extra metadata.
func (p StartParams) Settings(extra map[string]string) gateway.StartSettings {
	md := p.Metadata()
	for k, v := range extra {
		md[k] = v
	}
	return gateway.StartSettings{
		TrialDays:          p.TrialDays,
		BillingCycleAnchor: p.BillingCycleAnchor,
		ProrationBehavior:  p.ProrationBehavior,
		Metadata:           md,
	}
}

func localMidnight(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// daysBetween counts calendar days, so DST shifts do not lose a day.
func daysBetween(from, to time.Time) int {
	a := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}
