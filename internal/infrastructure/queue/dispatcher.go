package queue

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/villagehealth/portal/internal/core/domain"
	"github.com/villagehealth/portal/internal/core/ports"
	"github.com/villagehealth/portal/internal/pkg/metrics"
)

const (
	defaultWorkers = 8
	channelBuffer  = 256
)

// ErrStopped is returned by Enqueue after the dispatcher has stopped.
var ErrStopped = errors.New("dispatcher stopped")

// Dispatcher routes external notifications to a fixed set of workers using
// consistent hashing on the recipient id, preserving per-recipient order.
type Dispatcher struct {
	workers []chan ports.NotificationInput
	ingest  ports.NotificationIngester
	log     zerolog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// NewDispatcher creates a Dispatcher with numWorkers sharded workers.
// If numWorkers <= 0, defaultWorkers is used.
func NewDispatcher(numWorkers int, ingest ports.NotificationIngester, log zerolog.Logger) *Dispatcher {
	if numWorkers <= 0 {
		numWorkers = defaultWorkers
	}
	d := &Dispatcher{
		workers: make([]chan ports.NotificationInput, numWorkers),
		ingest:  ingest,
		log:     log,
		done:    make(chan struct{}),
	}
	for i := range d.workers {
		d.workers[i] = make(chan ports.NotificationInput, channelBuffer)
	}
	return d
}

// Start launches all worker goroutines. Workers stop when ctx is cancelled;
// Wait blocks until they have.
func (d *Dispatcher) Start(ctx context.Context) {
	for i, ch := range d.workers {
		d.wg.Add(1)
		go d.runWorker(ctx, i, ch)
	}
	go func() {
		<-ctx.Done()
		close(d.done)
	}()
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Enqueue hands in to the worker responsible for its recipient. It blocks
// while that worker's buffer is full, until ctx ends or the dispatcher stops.
func (d *Dispatcher) Enqueue(ctx context.Context, in ports.NotificationInput) error {
	idx := d.shardIndex(in.RecipientID)
	select {
	case d.workers[idx] <- in:
		metrics.DispatchQueueDepth.WithLabelValues(strconv.Itoa(idx)).Set(float64(len(d.workers[idx])))
		return nil
	case <-d.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueBatch enqueues inputs in order, preserving per-recipient ordering.
func (d *Dispatcher) EnqueueBatch(ctx context.Context, inputs []ports.NotificationInput) error {
	for _, in := range inputs {
		if err := d.Enqueue(ctx, in); err != nil {
			return err
		}
	}
	return nil
}

// shardIndex maps a recipient id deterministically to a worker index.
func (d *Dispatcher) shardIndex(recipientID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(recipientID))
	return int(h.Sum32() % uint32(len(d.workers)))
}

func (d *Dispatcher) runWorker(ctx context.Context, id int, ch <-chan ports.NotificationInput) {
	defer d.wg.Done()
	label := strconv.Itoa(id)
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-ch:
			if !ok {
				return
			}
			metrics.DispatchQueueDepth.WithLabelValues(label).Set(float64(len(ch)))

			start := time.Now()
			err := d.ingest.Ingest(ctx, in)
			result := "ok"
			if err != nil {
				result = "error"
				evt := d.log.Error()
				if errors.Is(err, domain.ErrValidation) {
					evt = d.log.Warn()
				}
				evt.Err(err).
					Str("recipient_id", in.RecipientID).
					Int("worker_id", id).
					Msg("notification dispatch failed")
			}
			metrics.DispatchDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
		}
	}
}
