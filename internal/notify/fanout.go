package notify

import (
	"context"
	"sync"
	"time"

	"evcharge/internal/models"
	"evcharge/internal/util"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config tunes delivery
type Config struct {
	Workers     int
	QueueSize   int
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 50 * time.Millisecond
	}
	return c
}

// Fanout turns transitions into per-group events and delivers them in the
// background. All events of one group go through the same worker, so a
// group's stream keeps its order while different groups proceed in parallel.
type Fanout struct {
	publisher Publisher
	sequencer Sequencer
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.RWMutex
	closed bool
	shards []chan models.Event

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewFanout creates a fanout and starts its workers
func NewFanout(publisher Publisher, sequencer Sequencer, cfg Config) *Fanout {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	f := &Fanout{
		publisher: publisher,
		sequencer: sequencer,
		cfg:       cfg,
		logger:    util.GetLogger(),
		now:       time.Now,
		shards:    make([]chan models.Event, cfg.Workers),
		ctx:       gctx,
		cancel:    cancel,
		group:     g,
	}
	for i := range f.shards {
		ch := make(chan models.Event, cfg.QueueSize)
		f.shards[i] = ch
		g.Go(func() error {
			for ev := range ch {
				f.deliver(ev)
			}
			return nil
		})
	}
	return f
}

// Emit queues one event per audience group and returns immediately
func (f *Fanout) Emit(t models.Transition) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, group := range Audience(t) {
		ev := models.Event{
			EventID:    uuid.New().String(),
			Group:      group,
			EventType:  t.EventType,
			Timestamp:  f.now(),
			EntityType: t.EntityType,
			EntityID:   t.EntityID,
			Status:     t.NewStatus,
			Data:       t.Data,
		}
		if f.closed {
			f.drop(ev, "closed")
			continue
		}
		select {
		case f.shards[f.shardOf(group)] <- ev:
		default:
			f.drop(ev, "queue_full")
		}
	}
}

func (f *Fanout) shardOf(group string) int {
	return int(xxhash.Sum64String(group) % uint64(len(f.shards)))
}

// deliver assigns the group sequence and publishes with bounded retries
func (f *Fanout) deliver(ev models.Event) {
	ctx, cancel := context.WithTimeout(f.ctx, f.cfg.Timeout)
	defer cancel()

	seq, err := f.sequencer.NextSequence(ctx, ev.Group)
	if err != nil {
		f.logger.Error("Failed to assign notification sequence",
			zap.String("group", ev.Group),
			zap.String("event_type", ev.EventType),
			zap.Error(err))
		f.drop(ev, "sequence")
		return
	}
	ev.Sequence = seq

	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		err = f.publisher.Publish(ctx, ev.Group, ev.EventType, ev)
		if err == nil {
			util.NotificationsSentTotal.WithLabelValues("fanout").Inc()
			return
		}
		if attempt == f.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(f.cfg.Backoff * time.Duration(attempt)):
			continue
		}
		break
	}

	f.logger.Warn("Dropping notification after failed delivery",
		zap.String("group", ev.Group),
		zap.String("event_type", ev.EventType),
		zap.Int64("sequence", ev.Sequence),
		zap.Error(err))
	util.NotificationsDroppedTotal.WithLabelValues("publish").Inc()
}

func (f *Fanout) drop(ev models.Event, reason string) {
	util.NotificationsDroppedTotal.WithLabelValues(reason).Inc()
	f.logger.Warn("Notification dropped",
		zap.String("reason", reason),
		zap.String("group", ev.Group),
		zap.String("event_type", ev.EventType))
}

// Close stops accepting events, drains the queues and waits for the workers
func (f *Fanout) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	for _, ch := range f.shards {
		close(ch)
	}
	f.mu.Unlock()

	err := f.group.Wait()
	f.cancel()
	return err
}
