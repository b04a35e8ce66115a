package billing

import (
	"math/rand"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var denver = func() *time.Location {
	loc, err := time.LoadLocation("America/Denver")
	if err != nil {
		panic(err)
	}
	return loc
}()

func TestCalculateStartNowIsToday(t *testing.T) {
	now := time.Date(2024, 3, 15, 14, 30, 0, 0, denver)

	p := CalculateStart(StartInput{CollectionStart: now, Now: now, Location: denver})

	assert.Equal(t, StartToday, p.Branch)
	assert.Zero(t, p.TrialDays)
	assert.Nil(t, p.BackdateStartDate)
	assert.Nil(t, p.BillingCycleAnchor)
	assert.Empty(t, p.ProrationBehavior)
	assert.Empty(t, p.Metadata())
}

func TestCalculateStartUsesLocalDate(t *testing.T) {
	// 01:00 UTC on the 16th is still the 15th in Denver.
	now := time.Date(2024, 3, 15, 18, 0, 0, 0, denver)
	start := time.Date(2024, 3, 16, 1, 0, 0, 0, time.UTC)

	p := CalculateStart(StartInput{CollectionStart: start, Now: now, Location: denver})
	assert.Equal(t, StartToday, p.Branch)

	p = CalculateStart(StartInput{CollectionStart: start, Now: now, Location: time.UTC})
	assert.Equal(t, StartFuture, p.Branch)
}

func TestCalculateStartPastRecordsBackdate(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 0, 0, 0, denver)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, denver)

	p := CalculateStart(StartInput{CollectionStart: start, Now: now, Location: denver})

	assert.Equal(t, StartPast, p.Branch)
	assert.Nil(t, p.BillingCycleAnchor)
	assert.Empty(t, p.ProrationBehavior)
	require.NotNil(t, p.BackdateStartDate)
	assert.Equal(t, 14, p.BackdateDays)
	assert.Equal(t, map[string]string{
		MetadataBackdateStartDate: "2024-03-01",
		MetadataBackdateDays:      "14",
	}, p.Metadata())
}

func TestCalculateStartPastAcrossDSTChange(t *testing.T) {
	// Denver switches to daylight time on 2024-03-10.
	now := time.Date(2024, 3, 12, 9, 0, 0, 0, denver)
	start := time.Date(2024, 3, 9, 9, 0, 0, 0, denver)

	p := CalculateStart(StartInput{CollectionStart: start, Now: now, Location: denver})
	assert.Equal(t, 3, p.BackdateDays)
}

func TestCalculateStartFutureAnchorsMorningOfTargetDay(t *testing.T) {
	now := time.Date(2024, 3, 15, 16, 0, 0, 0, denver)
	start := now.AddDate(0, 0, 10)
	r := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		p := CalculateStart(StartInput{CollectionStart: start, Now: now, Location: denver, Rand: r})

		require.Equal(t, StartFuture, p.Branch)
		require.NotNil(t, p.BillingCycleAnchor)
		anchor := p.BillingCycleAnchor.In(denver)
		assert.Equal(t, 2024, anchor.Year())
		assert.Equal(t, time.March, anchor.Month())
		assert.Equal(t, 25, anchor.Day())
		assert.GreaterOrEqual(t, anchor.Hour(), 8)
		assert.Less(t, anchor.Hour(), 12)
		assert.Less(t, anchor.Minute(), 59)
		assert.Equal(t, ProrationNone, p.ProrationBehavior)
		assert.Zero(t, p.TrialDays)
		assert.Nil(t, p.BackdateStartDate)
	}
}

func TestCalculateStartSeededRandIsDeterministic(t *testing.T) {
	now := time.Date(2024, 3, 15, 16, 0, 0, 0, time.UTC)
	start := now.AddDate(0, 1, 0)

	a := CalculateStart(StartInput{CollectionStart: start, Now: now, Rand: rand.New(rand.NewSource(7))})
	b := CalculateStart(StartInput{CollectionStart: start, Now: now, Rand: rand.New(rand.NewSource(7))})
	assert.Equal(t, *a.BillingCycleAnchor, *b.BillingCycleAnchor)
}

func TestStartParamsSettingsMergesMetadata(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	p := CalculateStart(StartInput{CollectionStart: now.AddDate(0, 0, -2), Now: now})

	s := p.Settings(map[string]string{"rental_agreement_id": "12"})
	assert.Equal(t, "12", s.Metadata["rental_agreement_id"])
	assert.Equal(t, "2", s.Metadata[MetadataBackdateDays])
	assert.Nil(t, s.BillingCycleAnchor)
}
