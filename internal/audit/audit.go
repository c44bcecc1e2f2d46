// Package audit writes one newline-delimited JSON record per terminated
// request (spec.md §6). Writes are buffered and flushed on a background
// goroutine so a slow or stalled sink never blocks the request path; if
// the buffer is full, the record is dropped and counted rather than
// applying backpressure to the pipeline.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Record is one audit entry. Optional fields use omitempty so
// they're omitted, not null, when absent, per spec.md §6.
type Record struct {
	Timestamp         time.Time `json:"timestamp"`
	CorrelationID     string    `json:"correlation_id"`
	ClientIP          string    `json:"client_ip"`
	User              string    `json:"user,omitempty"`
	Bucket            string    `json:"bucket"`
	ObjectKey         string    `json:"object_key"`
	HTTPMethod        string    `json:"http_method"`
	RequestPath       string    `json:"request_path"`
	ResponseStatus    int       `json:"response_status"`
	ResponseSizeBytes int64     `json:"response_size_bytes"`
	DurationMS        int64     `json:"duration_ms"`
	CacheStatus       string    `json:"cache_status"`
	UserAgent         string    `json:"user_agent,omitempty"`
	Referer           string    `json:"referer,omitempty"`
}

// Store buffers Records on a channel and flushes them to an io.Writer
// (typically an append-only log file) from a single background writer
// goroutine, so concurrent callers never contend on the underlying sink.
type Store struct {
	records chan Record
	done    chan struct{}
	log     *logrus.Logger

	mu      sync.Mutex
	writer  *bufio.Writer
	dropped int64
}

// NewStore starts the background flush loop. bufferSize bounds how many
// records may be in flight before new writes are dropped; flushInterval
// bounds how long a record may sit buffered before it reaches w.
func NewStore(w io.Writer, bufferSize int, flushInterval time.Duration, log *logrus.Logger) *Store {
	s := &Store{
		records: make(chan Record, bufferSize),
		done:    make(chan struct{}),
		log:     log,
		writer:  bufio.NewWriter(w),
	}
	go s.run(flushInterval)
	return s
}

// Write enqueues rec for asynchronous persistence. Never blocks: if the
// buffer is full the record is dropped and counted in DroppedCount.
func (s *Store) Write(rec Record) {
	select {
	case s.records <- rec:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		if s.log != nil {
			s.log.WithField("component", "audit").Warn("audit buffer full, dropping record")
		}
	}
}

// DroppedCount returns the number of records dropped due to a full buffer.
func (s *Store) DroppedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Store) run(flushInterval time.Duration) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-s.records:
			if !ok {
				s.flush()
				close(s.done)
				return
			}
			s.encode(rec)
		case <-ticker.C:
			s.flush()
		}
	}
}

func (s *Store) encode(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(rec)
	if err != nil {
		if s.log != nil {
			s.log.WithError(err).Error("failed to marshal audit record")
		}
		return
	}
	s.writer.Write(data)
	s.writer.WriteByte('\n')
}

func (s *Store) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer.Flush()
}

// Close stops accepting new records, flushes what remains, and waits
// (bounded by ctx) for the background goroutine to drain.
func (s *Store) Close(ctx context.Context) error {
	close(s.records)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
