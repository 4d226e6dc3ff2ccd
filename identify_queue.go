package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const identifyQueueBacklog = 1024

// IdentifyPermit grants the right to perform exactly one fresh identify
// handshake. It is consumed on use: Complete must be called once the
// attempt has resolved, success or failure, so the queue's outstanding
// count stays accurate. Completion is idempotent.
type IdentifyPermit struct {
	queue   *IdentifyQueue
	shardID int32

	once sync.Once
}

func (permit *IdentifyPermit) ShardID() int32 {
	return permit.shardID
}

func (permit *IdentifyPermit) Complete() {
	permit.once.Do(func() {
		permit.queue.outstanding.Add(-1)

		select {
		case permit.queue.tickets <- struct{}{}:
		default:
			// Tickets is sized to max concurrency, a return can never block.
		}
	})
}

type identifyRequest struct {
	ctx     context.Context
	grant   chan *IdentifyPermit
	shardID int32
}

// IdentifyQueue is the single admission gate in front of fresh identify
// handshakes. It grants permits in request order, holding each grant until
// fewer than maxConcurrency permits are outstanding and minInterval has
// elapsed since the previous grant. The gateway terminates every session
// of a bot that identifies too quickly, so one queue serves the whole
// process regardless of shard count.
//
// Resume handshakes do not count against identify limits and never touch
// the queue.
type IdentifyQueue struct {
	logger *slog.Logger

	maxConcurrency int32
	minInterval    time.Duration

	requests chan *identifyRequest
	tickets  chan struct{}
	shutdown chan struct{}

	closeOnce sync.Once

	waiting     *atomic.Int32
	outstanding *atomic.Int32
	granted     *atomic.Int64
}

func NewIdentifyQueue(logger *slog.Logger, maxConcurrency int32, minInterval time.Duration) *IdentifyQueue {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	queue := &IdentifyQueue{
		logger: logger.With("component", "identify_queue"),

		maxConcurrency: maxConcurrency,
		minInterval:    minInterval,

		requests: make(chan *identifyRequest, identifyQueueBacklog),
		tickets:  make(chan struct{}, maxConcurrency),
		shutdown: make(chan struct{}),

		waiting:     &atomic.Int32{},
		outstanding: &atomic.Int32{},
		granted:     &atomic.Int64{},
	}

	for range maxConcurrency {
		queue.tickets <- struct{}{}
	}

	go queue.run()

	return queue
}

// Acquire blocks until a permit is granted, the context is cancelled or
// the queue is shut down. Grants are strictly FIFO across all shards.
func (queue *IdentifyQueue) Acquire(ctx context.Context, shardID int32) (*IdentifyPermit, error) {
	request := &identifyRequest{
		ctx:     ctx,
		grant:   make(chan *IdentifyPermit),
		shardID: shardID,
	}

	enqueuedAt := time.Now()

	queue.waiting.Add(1)
	UpdateIdentifyWaiting(queue.waiting.Load())

	defer func() {
		queue.waiting.Add(-1)
		UpdateIdentifyWaiting(queue.waiting.Load())
	}()

	select {
	case queue.requests <- request:
	case <-queue.shutdown:
		return nil, ErrIdentifyQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case permit := <-request.grant:
		ObserveIdentifyWait(time.Since(enqueuedAt))

		return permit, nil
	case <-queue.shutdown:
		return nil, ErrIdentifyQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown fails all pending and future acquires. No permit is granted
// after shutdown. Safe to call more than once.
func (queue *IdentifyQueue) Shutdown() {
	queue.closeOnce.Do(func() {
		queue.logger.Info("Identify queue shutting down")

		close(queue.shutdown)
	})
}

// Outstanding returns the number of granted permits that have not been
// completed yet.
func (queue *IdentifyQueue) Outstanding() int32 {
	return queue.outstanding.Load()
}

// Granted returns the total number of permits granted since creation.
func (queue *IdentifyQueue) Granted() int64 {
	return queue.granted.Load()
}

func (queue *IdentifyQueue) run() {
	var lastGrant time.Time

	for {
		select {
		case <-queue.shutdown:
			return
		case request := <-queue.requests:
			select {
			case <-queue.tickets:
			case <-queue.shutdown:
				return
			}

			// The caller may have given up while queued.
			if request.ctx.Err() != nil {
				queue.tickets <- struct{}{}

				continue
			}

			if wait := queue.minInterval - time.Since(lastGrant); wait > 0 {
				timer := time.NewTimer(wait)

				select {
				case <-timer.C:
				case <-queue.shutdown:
					timer.Stop()

					return
				}
			}

			permit := &IdentifyPermit{
				queue:   queue,
				shardID: request.shardID,
			}

			select {
			case request.grant <- permit:
				lastGrant = time.Now()

				queue.outstanding.Add(1)
				queue.granted.Add(1)
				RecordIdentifyGrant()

				queue.logger.Debug("Granted identify permit", "shard_id", request.shardID, "outstanding", queue.outstanding.Load())
			case <-request.ctx.Done():
				queue.tickets <- struct{}{}
			case <-queue.shutdown:
				return
			}
		}
	}
}
