package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"

	"github.com/ManuelReschke/HangarLedger/app/repository"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/jobqueue"
)

// DefaultSchedule runs the nightly airport sweep at 03:00 UTC.
const DefaultSchedule = "0 3 * * *"

// Enqueuer is the part of the job queue the scheduler needs.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error)
}

// Scheduler enqueues one reconcile_airport job per airport on a cron
// schedule. The sweeps themselves run on the job queue workers.
type Scheduler struct {
	cron  *cron.Cron
	repos *repository.Repositories
	queue Enqueuer
}

// NewScheduler parses spec (standard five-field cron, UTC) and registers the
// airport fan-out on it.
func NewScheduler(repos *repository.Repositories, queue Enqueuer, spec string) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	s := &Scheduler{
		cron:  cron.New(cron.WithLocation(time.UTC)),
		repos: repos,
		queue: queue,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("reconcile schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	log.Infof("[Reconcile] Scheduler started")
}

// Stop halts the schedule and waits for a running fan-out to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Infof("[Reconcile] Scheduler stopped")
}

// Next is the next scheduled run.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) tick() {
	n, err := s.EnqueueAll(context.Background())
	if err != nil {
		log.Errorf("[Reconcile] Scheduled run enqueued %d airports before failing: %v", n, err)
		return
	}
	log.Infof("[Reconcile] Scheduled run enqueued %d airports", n)
}

// EnqueueAll enqueues a sweep job for every airport.
func (s *Scheduler) EnqueueAll(ctx context.Context) (int, error) {
	airports, err := s.repos.Airports.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range airports {
		if err := EnqueueAirport(ctx, s.queue, a.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// EnqueueAirport enqueues a single airport sweep.
func EnqueueAirport(ctx context.Context, queue Enqueuer, airportID uint) error {
	_, err := queue.EnqueueJob(ctx, jobqueue.JobTypeReconcileAirport,
		jobqueue.ReconcileAirportJobPayload{AirportID: airportID}.ToMap())
	if err != nil {
		return fmt.Errorf("enqueue sweep of airport %d: %w", airportID, err)
	}
	return nil
}
