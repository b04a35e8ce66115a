package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/HangarLedger/internal/pkg/metrics"
)

// depthInterval is how often queue depths are exported.
const depthInterval = 15 * time.Second

// PeriodicTask is background work the manager runs on a ticker next to the
// queue, for example re-enqueueing webhook events that never got a job.
type PeriodicTask struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Manager manages the job queue and its background tasks
type Manager struct {
	queue   *Queue
	metrics *metrics.Collector
	tasks   []PeriodicTask
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewManager wraps queue. A nil collector disables the depth exporter.
func NewManager(queue *Queue, collector *metrics.Collector, tasks ...PeriodicTask) *Manager {
	return &Manager{queue: queue, metrics: collector, tasks: tasks}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// AddTask registers another periodic task. It takes effect on the next Start.
func (m *Manager) AddTask(task PeriodicTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task)
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// A fresh stop channel per start cycle lets the manager be restarted.
	m.stopCh = make(chan struct{})
	var ctx context.Context
	ctx, m.cancel = context.WithCancel(context.Background())
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	tasks := m.tasks
	if m.metrics != nil {
		tasks = append(tasks, PeriodicTask{Name: "queue depth", Interval: depthInterval, Run: m.reportDepth})
	}
	for _, task := range tasks {
		if task.Interval <= 0 || task.Run == nil {
			log.Warnf("[JobQueue Manager] Skipping task %q without interval or func", task.Name)
			continue
		}
		m.wg.Add(1)
		go m.runTask(ctx, m.stopCh, task)
	}

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")
	close(m.stopCh)
	m.cancel()
	m.stopCh = nil
	m.running = false

	m.wg.Wait()
	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

func (m *Manager) runTask(ctx context.Context, stopCh <-chan struct{}, task PeriodicTask) {
	defer m.wg.Done()
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	log.Infof("[JobQueue Manager] Started %s worker (interval: %s)", task.Name, task.Interval)

	for {
		select {
		case <-stopCh:
			log.Infof("[JobQueue Manager] %s worker stopping", task.Name)
			return
		case <-ticker.C:
			if err := task.Run(ctx); err != nil && ctx.Err() == nil {
				log.Errorf("[JobQueue Manager] %s error: %v", task.Name, err)
			}
		}
	}
}

// reportDepth exports the size of every queue list.
func (m *Manager) reportDepth(ctx context.Context) error {
	pending, err := m.queue.GetQueueSize(ctx)
	if err != nil {
		return err
	}
	processing, err := m.queue.GetProcessingSize(ctx)
	if err != nil {
		return err
	}
	delayed, err := m.queue.GetDelayedSize(ctx)
	if err != nil {
		return err
	}
	m.metrics.SetQueueDepth("pending", pending)
	m.metrics.SetQueueDepth("processing", processing)
	m.metrics.SetQueueDepth("delayed", delayed)
	return nil
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
