package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roman-kulish/burst-capture/internal/capture"
	"github.com/roman-kulish/burst-capture/internal/scanner"
)

// ErrScanNotFound is returned when finishing a scan that was never created
var ErrScanNotFound = errors.New("scan not found")

// SqliteStore is a Catalog backed by a SQLite database
type SqliteStore struct {
	dbPath string
	now    func() time.Time

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

var _ Catalog = (*SqliteStore)(nil)

// WithClock overrides the clock used for scan timestamps
func WithClock(now func() time.Time) func(*SqliteStore) {
	return func(s *SqliteStore) {
		s.now = now
	}
}

// NewSqliteStore creates a catalog stored at dbPath. Connections are opened on
// first use and the schema is created by the first write.
func NewSqliteStore(dbPath string, options ...func(*SqliteStore)) *SqliteStore {
	s := SqliteStore{dbPath: dbPath, now: time.Now}
	for _, option := range options {
		option(&s)
	}
	return &s
}

func runSQLCommand(db *sql.DB, sql string) error {
	_, err := db.Exec(sql)
	return err
}

func (s *SqliteStore) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}
		db.SetMaxOpenConns(1)

		if err = runSQLCommand(db, initSchemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}
		if err = runSQLCommand(db, initIndexesSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing indexes: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *SqliteStore) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro&_busy_timeout=5000"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

func (s *SqliteStore) CreateScan(ctx context.Context, device string, config any) (scanID int64, err error) {
	configData, err := toConfigData(config)
	if err != nil {
		err = fmt.Errorf("marshaling config: %w", err)
		return
	}

	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertScanSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	result, err := stmt.ExecContext(ctx, s.now().UTC(), device, configData)
	if err != nil {
		err = fmt.Errorf("inserting scan: %w", err)
		return
	}

	scanID, err = result.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting scan ID: %w", err)
	}
	return
}

func (s *SqliteStore) FinishScan(ctx context.Context, scanID int64, report *scanner.Report) (err error) {
	faults, err := faultsJSON(report)
	if err != nil {
		return fmt.Errorf("marshaling faults: %w", err)
	}
	warnings, err := toNullJSON(report.Warnings, len(report.Warnings) == 0)
	if err != nil {
		return fmt.Errorf("marshaling warnings: %w", err)
	}

	end := report.End
	if end.IsZero() {
		end = s.now()
	}

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	result, err := db.ExecContext(ctx, finishScanSQL,
		end.UTC(),
		report.Passes,
		report.Dwells,
		report.Captures,
		report.CapturedSamples,
		faults,
		warnings,
		report.Cancelled,
		scanID,
	)
	if err != nil {
		return fmt.Errorf("updating scan: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrScanNotFound, scanID)
	}
	return nil
}

func (s *SqliteStore) StoreCapture(ctx context.Context, scanID int64, summary capture.Summary) (captureID int64, err error) {
	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertCaptureSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	data := toCaptureData(scanID, &summary)

	result, err := stmt.ExecContext(
		ctx,
		data.ScanID,
		data.CaptureID,
		data.Sequence,
		data.Path,
		data.Device,
		data.Channel,
		data.Frequency,
		data.SampleRate,
		data.Format,
		data.StartTime,
		data.Samples,
		data.Bytes,
		data.PreRollSamples,
		data.Duration,
		data.Floor,
		data.Threshold,
		data.Peak,
		data.Reason,
	)
	if err != nil {
		err = fmt.Errorf("inserting capture: %w", err)
		return
	}

	captureID, err = result.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting capture ID: %w", err)
	}
	return
}

func (s *SqliteStore) Captures(ctx context.Context, filter CaptureFilter) (captures []*Capture, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	query, args := capturesQuery(filter)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		err = fmt.Errorf("querying captures: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var d captureData
		if err = rows.Scan(
			&d.ID,
			&d.ScanID,
			&d.CaptureID,
			&d.Sequence,
			&d.Path,
			&d.Device,
			&d.Channel,
			&d.Frequency,
			&d.SampleRate,
			&d.Format,
			&d.StartTime,
			&d.Samples,
			&d.Bytes,
			&d.PreRollSamples,
			&d.Duration,
			&d.Floor,
			&d.Threshold,
			&d.Peak,
			&d.Reason,
		); err != nil {
			err = fmt.Errorf("scanning capture: %w", err)
			return
		}
		captures = append(captures, d.toCapture())
	}

	if err = rows.Err(); err != nil {
		err = fmt.Errorf("iterating captures: %w", err)
	}
	return
}

func (s *SqliteStore) Scans(ctx context.Context) (scans []*Scan, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectScansSQL)
	if err != nil {
		err = fmt.Errorf("querying scans: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var d scanData
		if err = rows.Scan(
			&d.ID,
			&d.StartTime,
			&d.EndTime,
			&d.Device,
			&d.Config,
			&d.Passes,
			&d.Dwells,
			&d.Captures,
			&d.CapturedSamples,
			&d.Faults,
			&d.Warnings,
			&d.Cancelled,
		); err != nil {
			err = fmt.Errorf("scanning scan: %w", err)
			return
		}

		var scan *Scan
		if scan, err = d.toScan(); err != nil {
			return
		}
		scans = append(scans, scan)
	}

	if err = rows.Err(); err != nil {
		err = fmt.Errorf("iterating scans: %w", err)
	}
	return
}

func (s *SqliteStore) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.writeDB != nil {
			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}

		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		s.closeErr = errors.Join(writeErr, readErr)
	})

	return s.closeErr
}
