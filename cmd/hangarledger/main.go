package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/HangarLedger/app/controllers"
	"github.com/ManuelReschke/HangarLedger/app/repository"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/archive"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/billing"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/cache"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/config"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/database"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/env"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/events"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/gateway"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/jobqueue"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/ledger"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/metrics"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/reconcile"
	"github.com/ManuelReschke/HangarLedger/internal/pkg/router"
)

const (
	lockTTL        = 30 * time.Second
	lockWait       = 10 * time.Second
	rescanInterval = time.Minute
	rescanLimit    = 500
)

// Application is the HTTP server plus the background workers behind it.
type Application struct {
	cfg       *config.Config
	app       *fiber.App
	manager   *jobqueue.Manager
	scheduler *reconcile.Scheduler
}

func main() {
	a, err := NewApplication()
	if err != nil {
		log.Fatal(err)
	}
	a.manager.Start()
	if a.scheduler != nil {
		a.scheduler.Start()
		log.Printf("Reconcile scheduled, next run at %s", a.scheduler.Next().Format(time.RFC3339))
	}

	go func() {
		if err := a.app.Listen(a.cfg.ListenAddr()); err != nil {
			log.Fatal(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.app.ShutdownWithContext(ctx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	a.manager.Stop()
}

func NewApplication() (*Application, error) {
	env.SetupEnvFile()
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	database.SetupDatabase()
	cache.SetupCache()

	collector := metrics.New()
	repos := repository.NewRepositories(database.GetDB())
	provider := gateway.NewStripeProvider(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	locker := cache.NewRedisLocker(cache.GetClient(), lockTTL, lockWait)
	queue := jobqueue.NewQueue(cache.GetClient(), cfg.JobQueueWorkers)

	billingSvc := billing.NewService(repos, provider, billing.Settings{
		ProductID:    cfg.RentProductID,
		Currency:     cfg.RentCurrency,
		SuccessURL:   cfg.CheckoutSuccessURL,
		CancelURL:    cfg.CheckoutCancelURL,
		DaysUntilDue: cfg.DaysUntilDue,
	})
	ledgerSvc := ledger.NewService(repos, provider, billingSvc, ledger.Settings{
		Currency:     cfg.RentCurrency,
		DaysUntilDue: cfg.DaysUntilDue,
	}, ledger.WithMetrics(collector), ledger.WithLocker(locker))
	processor := events.NewProcessor(repos, provider, billingSvc, ledgerSvc, locker,
		events.WithQueue(queue),
		events.WithMetrics(collector),
		events.WithArchive(cfg.Archive.Enabled),
	)
	sweeper := reconcile.NewSweeper(repos, provider, billingSvc, ledgerSvc, locker, reconcile.WithMetrics(collector))

	queue.Register(jobqueue.JobTypeProcessWebhookEvent, processor.HandleJob)
	queue.Register(jobqueue.JobTypeReconcileAirport, sweeper.HandleJob)
	queue.OnFailure(processor.OnJobFailure)

	if cfg.Archive.Enabled {
		client, err := archive.NewS3Client(context.Background(), cfg.Archive)
		if err != nil {
			return nil, err
		}
		archiver := archive.NewArchiver(repos, client, cfg.Archive.BucketName, cfg.Archive.Prefix)
		queue.Register(jobqueue.JobTypeArchivePayload, archiver.HandleJob)
	}

	manager := jobqueue.NewManager(queue, collector, jobqueue.PeriodicTask{
		Name:     "pending webhook rescan",
		Interval: rescanInterval,
		Run: func(ctx context.Context) error {
			_, err := processor.RescanPending(ctx, cfg.PendingEventAge, rescanLimit)
			return err
		},
	})

	var scheduler *reconcile.Scheduler
	if cfg.ReconcileEnabled {
		if scheduler, err = reconcile.NewScheduler(repos, queue, cfg.ReconcileCron); err != nil {
			return nil, err
		}
	}

	app := fiber.New(fiber.Config{
		AppName:   "HangarLedger",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	router.InstallRouter(app, router.Handlers{
		Webhook:        controllers.NewWebhookController(events.NewIngestor(repos, provider, queue, collector), processor, cfg.PendingEventAge),
		Ops:            controllers.NewOpsController(repos, ledgerSvc, billingSvc, sweeper, queue),
		Metrics:        collector,
		OpsAPIKey:      cfg.OpsAPIKey,
		LimiterStorage: cache.NewFiberStorage(),
	})

	return &Application{cfg: cfg, app: app, manager: manager, scheduler: scheduler}, nil
}
