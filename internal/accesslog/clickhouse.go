package accesslog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second

	defaultTable = "balancer_access_log"
)

// ClickHouseOptions configures the analytics sink connection.
type ClickHouseOptions struct {
	Addr     []string
	Database string
	Username string
	Password string
	// Table defaults to "balancer_access_log".
	Table string
}

// ClickHouseSink ships access log entries to ClickHouse in batches.
//
// Log writes to an internal buffered channel and a background goroutine
// flushes in batches, so recording never blocks the proxy hot path. When
// the channel fills up (> 10 000 entries), new entries are dropped and
// counted in Dropped.
type ClickHouseSink struct {
	ch        chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	conn    driver.Conn
	insert  func(ctx context.Context, batch []Entry) error
	baseCtx context.Context
	log     *slog.Logger
}

// NewClickHouseSink connects to ClickHouse and starts the flush loop. The
// connection is verified with a ping before the sink is returned.
func NewClickHouseSink(ctx context.Context, opts ClickHouseOptions, log *slog.Logger) (*ClickHouseSink, error) {
	if ctx == nil {
		return nil, fmt.Errorf("accesslog: context must not be nil")
	}
	if len(opts.Addr) == 0 {
		return nil, fmt.Errorf("accesslog: no clickhouse address configured")
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: opts.Addr,
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("accesslog: clickhouse open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("accesslog: clickhouse ping: %w", err)
	}

	table := opts.Table
	if table == "" {
		table = defaultTable
	}

	s := newSink(ctx, log)
	s.conn = conn
	s.insert = func(ctx context.Context, batch []Entry) error {
		b, err := conn.PrepareBatch(ctx, "INSERT INTO "+table)
		if err != nil {
			return err
		}
		for _, e := range batch {
			if err := b.Append(uuid.New(), e.IP, e.Model, e.Username, e.Time); err != nil {
				return err
			}
		}
		return b.Send()
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// newSink builds the channel plumbing without a connection. Used by
// NewClickHouseSink and by tests with an injected insert func.
func newSink(ctx context.Context, log *slog.Logger) *ClickHouseSink {
	if log == nil {
		log = slog.Default()
	}
	return &ClickHouseSink{
		ch:      make(chan Entry, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     log,
	}
}

// Log implements Sink.
func (s *ClickHouseSink) Log(e Entry) {
	select {
	case s.ch <- e:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
}

// Dropped reports how many entries were discarded because the buffer was
// full.
func (s *ClickHouseSink) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Close drains the buffer, flushes the final batch and closes the
// connection.
func (s *ClickHouseSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *ClickHouseSink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(s.baseCtx, 10*time.Second)
		if err := s.insert(ctx, batch); err != nil {
			s.log.Warn("access log flush failed",
				slog.Int("batch", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case e := <-s.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-s.done:
			for {
				select {
				case e := <-s.ch:
					batch = append(batch, e)
					if len(batch) >= batchSize {
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
