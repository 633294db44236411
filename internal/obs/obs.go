// Package obs records per-request details off the hot path.
//
// Details are written to an internal buffered channel and flushed to a sink
// in batches by a background goroutine, so accounting never blocks the
// proxy. If the channel fills up, new records are dropped and counted. A nil
// *Recorder is valid and discards everything, which is how deployments with
// observability disabled run.
package obs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueueSize     = 10_000
	defaultBatchSize     = 20
	defaultFlushInterval = 5 * time.Second
)

// RequestDetail is the accounting record of one proxied request.
type RequestDetail struct {
	ID            string
	MachineID     string
	Provider      string
	ConnectionID  string
	Model         string
	SourceFormat  string
	TargetFormat  string
	Status        int
	Streaming     bool
	ContentChars  int
	ThinkingChars int
	InputTokens   int
	OutputTokens  int
	Estimated     bool
	TTFTMs        int64
	DurationMs    int64
	Error         string
	CreatedAt     time.Time
}

// Sink persists batches of request details.
type Sink interface {
	WriteBatch(ctx context.Context, recs []RequestDetail) error
	Close() error
}

// Options configures a Recorder.
type Options struct {
	Sink Sink
	Log  *slog.Logger

	// BatchSize triggers a flush when reached; FlushInterval flushes
	// whatever accumulated. QueueSize bounds the in-flight channel.
	// Zero values take the defaults.
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
}

// Recorder is the asynchronous writer in front of a sink.
type Recorder struct {
	ch        chan RequestDetail
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx       context.Context
	sink          Sink
	log           *slog.Logger
	batchSize     int
	flushInterval time.Duration
}

// New starts a recorder for the given sink.
func New(ctx context.Context, opts Options) (*Recorder, error) {
	if ctx == nil {
		return nil, fmt.Errorf("obs: context must not be nil")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("obs: sink must not be nil")
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	r := &Recorder{
		ch:            make(chan RequestDetail, queueSize),
		done:          make(chan struct{}),
		baseCtx:       ctx,
		sink:          opts.Sink,
		log:           log,
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}

	r.wg.Add(1)
	go r.run()

	return r, nil
}

// Record enqueues one detail. Never blocks; a full queue drops the record.
func (r *Recorder) Record(d RequestDetail) {
	if r == nil {
		return
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	select {
	case r.ch <- d:
	default:
		atomic.AddInt64(&r.dropped, 1)
	}
}

// Dropped returns how many records were discarded on a full queue.
func (r *Recorder) Dropped() int64 {
	if r == nil {
		return 0
	}
	return atomic.LoadInt64(&r.dropped)
}

// Close drains the queue, flushes the final batch and closes the sink.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return r.sink.Close()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]RequestDetail, 0, r.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.sink.WriteBatch(r.baseCtx, batch); err != nil {
			r.log.WarnContext(r.baseCtx, "observability_write_failed",
				slog.Int("records", len(batch)),
				slog.String("error", err.Error()))
		}
		batch = batch[:0]
	}

	for {
		select {
		case d := <-r.ch:
			batch = append(batch, d)
			if len(batch) >= r.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-r.done:
			for {
				select {
				case d := <-r.ch:
					batch = append(batch, d)
					if len(batch) >= r.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
