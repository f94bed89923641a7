package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hibiken/asynq"

	"langexchange-backend/internal/storage"
)

const (
	TypeCleanupStale = "cleanup:stale_entries"
	TypeMirrorStatus = "queue:mirror_status"

	cleanupQueue = "cleanup"
	mirrorQueue  = "mirror"
)

// StatusMirror persists the non-authoritative queue status copy.
type StatusMirror interface {
	UpsertQueueStatus(ctx context.Context, status storage.QueueStatus) error
}

// MatchExpirer resolves pending ledgers whose deadline passed.
type MatchExpirer interface {
	ExpireMatches(ctx context.Context) (int, error)
}

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type ProcessorConfig struct {
	Concurrency     int
	CleanupInterval time.Duration
	StaleAfter      time.Duration
}

// Processor runs background queue maintenance on asynq: the periodic stale
// sweep and the best-effort Postgres mirror of queue status.
type Processor struct {
	store   Store
	mirror  StatusMirror
	expirer MatchExpirer
	cfg     ProcessorConfig
	logger *log.Logger

	server *asynq.Server
	client taskEnqueuer
	closer func() error
}

func NewProcessor(store Store, mirror StatusMirror, redisOpt asynq.RedisConnOpt, cfg ProcessorConfig, logger *log.Logger) *Processor {
	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				mirrorQueue:  3,
				cleanupQueue: 1,
			},
			Logger:   asynqLogger{logger.WithPrefix("ASYNQ")},
			LogLevel: asynq.WarnLevel,
		},
	)
	client := asynq.NewClient(redisOpt)

	return &Processor{
		store:  store,
		mirror: mirror,
		cfg:    cfg,
		logger: logger.WithPrefix("QUEUE_PROCESSOR"),
		server: server,
		client: client,
		closer: client.Close,
	}
}

// SetMatchExpirer makes every cleanup run also expire overdue matches. Call
// it before Start.
func (p *Processor) SetMatchExpirer(e MatchExpirer) {
	p.expirer = e
}

func (p *Processor) Start(ctx context.Context) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeCleanupStale, p.handleCleanupTask)
	mux.HandleFunc(TypeMirrorStatus, p.handleMirrorTask)

	if err := p.server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}

	go p.startPeriodicCleanup(ctx)

	p.logger.Info("queue processor started",
		"cleanup_interval", p.cfg.CleanupInterval, "stale_after", p.cfg.StaleAfter)
	return nil
}

func (p *Processor) Stop() {
	p.server.Shutdown()
	if p.closer != nil {
		if err := p.closer(); err != nil {
			p.logger.Warn("closing asynq client", "err", err)
		}
	}
}

// MirrorStatus schedules a queue_status upsert. Failures are logged only;
// the Queue Store stays authoritative.
func (p *Processor) MirrorStatus(ctx context.Context, prefs Preferences, status string) {
	payload, err := json.Marshal(storage.QueueStatus{
		UserID:         prefs.UserID,
		NativeLanguage: prefs.NativeLanguage,
		TargetLanguage: prefs.TargetLanguage,
		Status:         status,
		UpdatedAt:      time.Now().UTC(),
	})
	if err != nil {
		p.logger.Warn("marshal mirror payload", "user", prefs.UserID, "err", err)
		return
	}

	task := asynq.NewTask(TypeMirrorStatus, payload, asynq.MaxRetry(3), asynq.Timeout(10*time.Second))
	if _, err := p.client.EnqueueContext(ctx, task, asynq.Queue(mirrorQueue)); err != nil {
		p.logger.Warn("enqueue mirror task", "user", prefs.UserID, "status", status, "err", err)
	}
}

func (p *Processor) handleCleanupTask(ctx context.Context, _ *asynq.Task) error {
	start := time.Now()
	removed, err := p.store.SweepStale(ctx, p.cfg.StaleAfter)
	if err != nil {
		p.logger.Error("stale sweep failed", "removed", removed, "err", err)
		return err
	}
	if removed > 0 {
		p.logger.Info("cleaned up stale queue entries", "removed", removed, "duration", time.Since(start))
	}

	if p.expirer == nil {
		return nil
	}
	expired, err := p.expirer.ExpireMatches(ctx)
	if err != nil {
		p.logger.Error("match expiry failed", "expired", expired, "err", err)
		return err
	}
	if expired > 0 {
		p.logger.Info("expired pending matches", "expired", expired)
	}
	return nil
}

func (p *Processor) handleMirrorTask(ctx context.Context, task *asynq.Task) error {
	var status storage.QueueStatus
	if err := json.Unmarshal(task.Payload(), &status); err != nil {
		// Malformed payloads never succeed on retry.
		return fmt.Errorf("decode mirror payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.mirror == nil {
		return nil
	}
	if err := p.mirror.UpsertQueueStatus(ctx, status); err != nil {
		p.logger.Warn("queue status mirror failed", "user", status.UserID, "status", status.Status, "err", err)
		return err
	}
	return nil
}

func (p *Processor) startPeriodicCleanup(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.scheduleCleanup(ctx)
		}
	}
}

func (p *Processor) scheduleCleanup(ctx context.Context) {
	task := asynq.NewTask(TypeCleanupStale, nil)
	_, err := p.client.EnqueueContext(ctx, task,
		asynq.Queue(cleanupQueue),
		asynq.Unique(p.cfg.CleanupInterval),
	)
	if err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
		p.logger.Warn("enqueue cleanup task", "err", err)
	}
}

// asynqLogger adapts the charm logger to asynq's Logger interface.
type asynqLogger struct {
	l *log.Logger
}

func (a asynqLogger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...any) { a.l.Fatal(fmt.Sprint(args...)) }
