package jobs

import (
	"context"
	"time"

	"griddesk/internal/backend"
	"griddesk/internal/pubsub"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	TaskVendorRefresh = "monitor:vendors"
	TaskDebtRefresh   = "monitor:debts"
)

// MonitorServer runs the background refresh tasks feeding the console's
// vendor ingestion and debt recovery dashboards. Each task fetches the
// latest aggregate from the billing backend, publishes it on the bus, and
// schedules its own next run.
type MonitorServer struct {
	server   *asynq.Server
	client   *asynq.Client
	backend  *backend.Client
	bus      *pubsub.Bus
	interval time.Duration
	log      *zap.Logger
}

func NewMonitorServer(redisAddr string, backendClient *backend.Client, bus *pubsub.Bus, interval time.Duration, log *zap.Logger) (*MonitorServer, *asynq.Client) {
	redisOpt := asynq.RedisClientOpt{Addr: redisAddr}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				"default": 3,
				"low":     1,
			},
		},
	)

	client := asynq.NewClient(redisOpt)

	return &MonitorServer{
		server:   server,
		client:   client,
		backend:  backendClient,
		bus:      bus,
		interval: interval,
		log:      log,
	}, client
}

func (m *MonitorServer) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskVendorRefresh, m.handleVendorRefresh)
	mux.HandleFunc(TaskDebtRefresh, m.handleDebtRefresh)
	return m.server.Start(mux)
}

func (m *MonitorServer) Stop() {
	m.server.Shutdown()
	m.client.Close()
}

// Seed enqueues the first run of each monitor task
func (m *MonitorServer) Seed() error {
	if err := ScheduleVendorRefresh(m.client, 0); err != nil {
		return err
	}
	return ScheduleDebtRefresh(m.client, 0)
}

func (m *MonitorServer) handleVendorRefresh(ctx context.Context, t *asynq.Task) error {
	defer m.reschedule(TaskVendorRefresh)

	captures, err := m.backend.ListVendorCaptures(ctx)
	if err != nil {
		m.log.Warn("Vendor capture refresh failed", zap.Error(err))
		return nil // next run is already scheduled; do not let asynq retry
	}

	_ = m.bus.PublishMonitor("vendors", map[string]interface{}{
		"type":     "vendors.captures",
		"captures": captures,
	})

	m.log.Info("Vendor captures refreshed", zap.Int("vendors", len(captures)))
	return nil
}

func (m *MonitorServer) handleDebtRefresh(ctx context.Context, t *asynq.Task) error {
	defer m.reschedule(TaskDebtRefresh)

	summary, err := m.backend.DebtRecoverySummary(ctx)
	if err != nil {
		m.log.Warn("Debt recovery refresh failed", zap.Error(err))
		return nil
	}

	_ = m.bus.PublishMonitor("debts", map[string]interface{}{
		"type":    "debts.summary",
		"summary": summary,
	})

	m.log.Info("Debt recovery summary refreshed")
	return nil
}

func (m *MonitorServer) reschedule(taskType string) {
	task := asynq.NewTask(taskType, nil)
	if _, err := m.client.Enqueue(task, asynq.ProcessIn(m.interval), asynq.Queue("low")); err != nil {
		m.log.Error("Failed to reschedule monitor task", zap.String("task", taskType), zap.Error(err))
	}
}

// ScheduleVendorRefresh enqueues a vendor capture refresh
func ScheduleVendorRefresh(client *asynq.Client, delay time.Duration) error {
	task := asynq.NewTask(TaskVendorRefresh, nil)
	_, err := client.Enqueue(task, asynq.ProcessIn(delay), asynq.Queue("low"))
	return err
}

// ScheduleDebtRefresh enqueues a debt recovery summary refresh
func ScheduleDebtRefresh(client *asynq.Client, delay time.Duration) error {
	task := asynq.NewTask(TaskDebtRefresh, nil)
	_, err := client.Enqueue(task, asynq.ProcessIn(delay), asynq.Queue("low"))
	return err
}
