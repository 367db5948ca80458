package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/model"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// violationStore is the write side of the violation repository.
type violationStore interface {
	CopyMany(ctx context.Context, jobs []model.ViolationJob) error
	Insert(ctx context.Context, job model.ViolationJob) error
}

// ViolationWorker batches persist_violations_queue into attempt_violations.
type ViolationWorker struct {
	store violationStore
	rdb   *redis.Client
	log   zerolog.Logger
}

// NewViolationWorker creates a new ViolationWorker.
func NewViolationWorker(store violationStore, rdb *redis.Client, log zerolog.Logger) *ViolationWorker {
	return &ViolationWorker{
		store: store,
		rdb:   rdb,
		log:   log.With().Str("component", "violation_worker").Logger(),
	}
}

// Start runs the worker loop until ctx is cancelled, then flushes what is
// still buffered.
func (w *ViolationWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	buffer := make([]model.ViolationJob, 0, BatchSize)
	lastFlush := time.Now()

	for {
		// Flush on size or age.
		if len(buffer) > 0 && (len(buffer) >= BatchSize || time.Since(lastFlush) >= BatchTimeout) {
			w.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// BLPop blocks for 1 second. Returns immediately if data exists.
		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistViolationsQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var job model.ViolationJob
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			// Malformed JSON can never succeed.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}
		buffer = append(buffer, job)
	}
}

// flushSafe tries the bulk COPY, then row by row, then requeues what failed.
func (w *ViolationWorker) flushSafe(ctx context.Context, batch []model.ViolationJob) {
	err := w.store.CopyMany(ctx, batch)
	if err == nil {
		w.log.Debug().Int("count", len(batch)).Msg("Batch stored")
		return
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")

	failed := w.fallbackInsert(ctx, batch)
	if len(failed) > 0 {
		w.requeue(ctx, failed)
	}
}

// fallbackInsert stores rows one at a time and returns the ones that failed.
// Rows the database rejects for their content are dropped.
func (w *ViolationWorker) fallbackInsert(ctx context.Context, batch []model.ViolationJob) []model.ViolationJob {
	var failed []model.ViolationJob
	for _, job := range batch {
		if !job.Event.Kind.Valid() {
			w.log.Error().Str("kind", string(job.Event.Kind)).Msg("Dropping violation with unknown kind")
			continue
		}
		if err := w.store.Insert(ctx, job); err != nil {
			w.log.Error().Err(err).Str("attempt_id", job.AttemptID.String()).Msg("Insert failed, requeueing")
			failed = append(failed, job)
		}
	}
	return failed
}

func (w *ViolationWorker) requeue(ctx context.Context, items []model.ViolationJob) {
	ctx = context.WithoutCancel(ctx)
	pipe := w.rdb.Pipeline()
	for _, job := range items {
		data, _ := json.Marshal(job)
		pipe.RPush(ctx, config.WorkerKey.PersistViolationsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue violations, data lost")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	// Back off so a database outage is not hammered.
	time.Sleep(2 * time.Second)
}

func (w *ViolationWorker) shutdown(buffer []model.ViolationJob) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
	w.log.Info().Msg("Worker stopped")
}
