// Package archive keeps every composite reading in a local DuckDB file so
// ranges can be served without the backend.
package archive

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/h2-dashboard/backend/internal/logging"
	"github.com/h2-dashboard/backend/internal/models"
	"github.com/marcboeker/go-duckdb"
	"github.com/sirupsen/logrus"
)

const (
	maxRangeRows    = 500000
	recordQueueSize = 1024
)

// Options configures a Store.
type Options struct {
	// Path of the database file. Empty keeps the archive in memory.
	Path        string
	MemoryLimit string
	Threads     int
	BatchSize   int
	Log         *logrus.Entry
}

// Store is a DuckDB-backed archive of readings. Rows are buffered and
// written with the appender API in batches.
type Store struct {
	db        *sql.DB
	path      string
	batchSize int
	log       *logrus.Entry

	mu       sync.Mutex
	batch    []models.SensorDataPoint
	count    int
	lastTs   int64
	lastErr  error
	querySem chan struct{}

	recordMu sync.Mutex
	incoming chan models.SensorDataPoint
	recorded chan struct{}
	dropped  int
}

// Open creates or opens the archive at opts.Path.
func Open(opts Options) (*Store, error) {
	if opts.MemoryLimit == "" {
		opts.MemoryLimit = "256MB"
	}
	if opts.Threads <= 0 {
		opts.Threads = 2
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Log == nil {
		opts.Log = logging.Component(nil, "archive")
	}

	connector, err := duckdb.NewConnector(opts.Path, func(execer driver.ExecerContext) error {
		pragmas := []string{
			fmt.Sprintf("PRAGMA memory_limit='%s'", opts.MemoryLimit),
			fmt.Sprintf("PRAGMA threads=%d", opts.Threads),
			"PRAGMA enable_progress_bar=false",
		}
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS readings (
			timestamp           BIGINT NOT NULL,
			time                VARCHAR,
			ph_anode            DOUBLE,
			ph_cathode          DOUBLE,
			temperature_anode   DOUBLE,
			temperature_cathode DOUBLE,
			ionic_anode         DOUBLE,
			ionic_cathode       DOUBLE,
			humidity            DOUBLE,
			hydrogen            DOUBLE,
			voltage             DOUBLE,
			pump_speed_anode    DOUBLE,
			pump_speed_cathode  DOUBLE
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_readings_ts ON readings(timestamp)"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	s := &Store{
		db:        db,
		path:      opts.Path,
		batchSize: opts.BatchSize,
		log:       opts.Log,
		batch:     make([]models.SensorDataPoint, 0, opts.BatchSize),
		querySem:  make(chan struct{}, 3),
	}
	if err := db.QueryRow("SELECT COUNT(*), COALESCE(MAX(timestamp), 0) FROM readings").Scan(&s.count, &s.lastTs); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read archive size: %w", err)
	}

	s.log.WithFields(logrus.Fields{"path": opts.Path, "rows": s.count}).Info("archive opened")
	return s, nil
}

// Add queues one row. Rows not newer than the last one are dropped.
func (s *Store) Add(p models.SensorDataPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Timestamp <= s.lastTs {
		return
	}
	s.lastTs = p.Timestamp
	s.batch = append(s.batch, p)
	s.count++

	if len(s.batch) >= s.batchSize {
		if err := s.flushLocked(); err != nil {
			s.lastErr = err
			s.log.WithError(err).Error("flushing archive batch")
		}
	}
}

// Record archives every snapshot published by src. Rows are handed to a
// writer goroutine so the publisher never waits on a batch flush; rows
// arriving while the queue is full are dropped.
func (s *Store) Record(src interface {
	Subscribe(fn func(models.Snapshot))
}) {
	s.recordMu.Lock()
	if s.incoming == nil {
		s.incoming = make(chan models.SensorDataPoint, recordQueueSize)
		s.recorded = make(chan struct{})
		go s.writer(s.incoming, s.recorded)
	}
	s.recordMu.Unlock()

	src.Subscribe(func(snap models.Snapshot) {
		if snap.Empty() {
			return
		}
		s.enqueue(snap.DataPoint())
	})
}

func (s *Store) enqueue(p models.SensorDataPoint) {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()
	if s.incoming == nil {
		return
	}
	select {
	case s.incoming <- p:
	default:
		s.dropped++
		if s.dropped%100 == 1 {
			s.log.WithField("dropped", s.dropped).Warn("archive queue full, dropping rows")
		}
	}
}

func (s *Store) writer(in <-chan models.SensorDataPoint, done chan<- struct{}) {
	defer close(done)
	for p := range in {
		s.Add(p)
	}
}

// stopRecording closes the queue and waits for queued rows to be added.
func (s *Store) stopRecording() {
	s.recordMu.Lock()
	in, done := s.incoming, s.recorded
	s.incoming = nil
	s.recordMu.Unlock()
	if in == nil {
		return
	}
	close(in)
	<-done
}

// Dropped is the number of recorded rows lost to a full queue.
func (s *Store) Dropped() int {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()
	return s.dropped
}

// Flush writes queued rows.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// LastError returns the last failed background flush.
func (s *Store) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Store) flushLocked() error {
	if len(s.batch) == 0 {
		return nil
	}

	conn, err := s.db.Conn(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	err = conn.Raw(func(driverConn interface{}) error {
		dConn, ok := driverConn.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("failed to cast to duckdb.Conn")
		}

		appender, err := duckdb.NewAppenderFromConn(dConn, "", "readings")
		if err != nil {
			return fmt.Errorf("failed to create appender: %w", err)
		}
		defer appender.Close()

		for i, p := range s.batch {
			err := appender.AppendRow(
				p.Timestamp,
				p.Time,
				nullable(p.PHAnode),
				nullable(p.PHCathode),
				nullable(p.TemperatureAnode),
				nullable(p.TemperatureCathode),
				nullable(p.IonicAnode),
				nullable(p.IonicCathode),
				nullable(p.Humidity),
				nullable(p.Hydrogen),
				nullable(p.Voltage),
				nullable(p.PumpSpeedAnode),
				nullable(p.PumpSpeedCathode),
			)
			if err != nil {
				return fmt.Errorf("failed to append row %d: %w", i, err)
			}
		}
		return appender.Flush()
	})
	if err != nil {
		return fmt.Errorf("appender error: %w", err)
	}

	s.batch = s.batch[:0]
	return nil
}

// Range returns rows with start <= timestamp <= end, oldest first.
func (s *Store) Range(ctx context.Context, start, end time.Time) ([]models.SensorDataPoint, error) {
	select {
	case s.querySem <- struct{}{}:
		defer func() { <-s.querySem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := s.Flush(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, time, ph_anode, ph_cathode, temperature_anode, temperature_cathode,
		       ionic_anode, ionic_cathode, humidity, hydrogen, voltage,
		       pump_speed_anode, pump_speed_cathode
		FROM readings WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp LIMIT `+strconv.Itoa(maxRangeRows),
		start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := make([]models.SensorDataPoint, 0, 256)
	for rows.Next() {
		var p models.SensorDataPoint
		var display sql.NullString
		var vals [11]sql.NullFloat64
		err := rows.Scan(&p.Timestamp, &display,
			&vals[0], &vals[1], &vals[2], &vals[3], &vals[4], &vals[5],
			&vals[6], &vals[7], &vals[8], &vals[9], &vals[10])
		if err != nil {
			return nil, err
		}
		p.Time = display.String
		dst := []**float64{
			&p.PHAnode, &p.PHCathode, &p.TemperatureAnode, &p.TemperatureCathode,
			&p.IonicAnode, &p.IonicCathode, &p.Humidity, &p.Hydrogen, &p.Voltage,
			&p.PumpSpeedAnode, &p.PumpSpeedCathode,
		}
		for i, v := range vals {
			if v.Valid {
				*dst[i] = models.Float(v.Float64)
			}
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Len is the number of archived rows, queued ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Close flushes pending rows and closes the database.
func (s *Store) Close() error {
	s.stopRecording()
	err := s.Flush()
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}

func nullable(v *float64) driver.Value {
	if v == nil {
		return nil
	}
	return *v
}
