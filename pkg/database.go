package gesher

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	_ "github.com/go-sql-driver/mysql"
	sqlx "github.com/jmoiron/sqlx" //make alias name the package to sqlx
	_ "github.com/mattn/go-sqlite3"
)

func ConnectToDatabase(user string, pass string, host string, dbname string) (*sqlx.DB, error) {
	port := "3306"
	dbURI := fmt.Sprintf("%s:%s@(%s:%s)/%s?parseTime=true", user, pass, host, port, dbname)
	db, err := sqlx.Connect("mysql", dbURI)
	return db, err
}

func ConnectToSQLite(path string) (*sqlx.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer; an in-memory database is also per connection.
	db.SetMaxOpenConns(1)
	return db, nil
}

// OpenDatabase connects with the driver selected in the configuration.
func OpenDatabase(config Configuration) (*sqlx.DB, error) {
	switch config.DBDriver {
	case "mysql":
		return ConnectToDatabase(config.User, config.Passwd, config.Host, config.DBName)
	case "sqlite3":
		return ConnectToSQLite(config.DBPath)
	default:
		return nil, fmt.Errorf("unknown db_driver %q: %w", config.DBDriver, ErrConfiguration)
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS segment_results (
		run      VARCHAR(255) NOT NULL,
		segment  INTEGER NOT NULL,
		ts       DOUBLE,
		angle    DOUBLE,
		hits     INTEGER NOT NULL,
		delta_t0 DOUBLE,
		delta_t1 DOUBLE,
		delta_t2 DOUBLE,
		delta_t3 DOUBLE,
		hit0     DOUBLE,
		hit1     DOUBLE,
		hit2     DOUBLE,
		hit3     DOUBLE,
		failure  VARCHAR(1024),
		PRIMARY KEY (run, segment)
	)`,
	`CREATE TABLE IF NOT EXISTS calibrations (
		label     VARCHAR(255) NOT NULL PRIMARY KEY,
		slope     DOUBLE NOT NULL,
		intercept DOUBLE NOT NULL,
		cov00     DOUBLE,
		cov01     DOUBLE,
		cov10     DOUBLE,
		cov11     DOUBLE
	)`,
}

// ResultStore keeps segment results and calibrations in a SQL database.
// NaN values are stored as NULL.
type ResultStore struct {
	db *sqlx.DB
}

func NewResultStore(db *sqlx.DB) (*ResultStore, error) {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("error creating schema: %w", err)
		}
	}
	return &ResultStore{db: db}, nil
}

func (s *ResultStore) Close() error {
	return s.db.Close()
}

type segmentRow struct {
	Run       string          `db:"run"`
	Segment   int             `db:"segment"`
	Timestamp sql.NullFloat64 `db:"ts"`
	Angle     sql.NullFloat64 `db:"angle"`
	Hits      int             `db:"hits"`
	DeltaT0   sql.NullFloat64 `db:"delta_t0"`
	DeltaT1   sql.NullFloat64 `db:"delta_t1"`
	DeltaT2   sql.NullFloat64 `db:"delta_t2"`
	DeltaT3   sql.NullFloat64 `db:"delta_t3"`
	Hit0      sql.NullFloat64 `db:"hit0"`
	Hit1      sql.NullFloat64 `db:"hit1"`
	Hit2      sql.NullFloat64 `db:"hit2"`
	Hit3      sql.NullFloat64 `db:"hit3"`
	Failure   sql.NullString  `db:"failure"`
}

func nullable(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

func toRow(res SegmentResult) segmentRow {
	row := segmentRow{
		Run:       res.Run,
		Segment:   res.Segment,
		Timestamp: nullable(res.Timestamp),
		Angle:     nullable(res.Angle),
		Hits:      res.Hits,
		DeltaT0:   nullable(res.DeltaT[0]),
		DeltaT1:   nullable(res.DeltaT[1]),
		DeltaT2:   nullable(res.DeltaT[2]),
		DeltaT3:   nullable(res.DeltaT[3]),
		Hit0:      nullable(res.HitCoordinates[0]),
		Hit1:      nullable(res.HitCoordinates[1]),
		Hit2:      nullable(res.HitCoordinates[2]),
		Hit3:      nullable(res.HitCoordinates[3]),
	}
	if res.Err != nil {
		msg := res.Err.Error()
		if len(msg) > 1024 {
			msg = msg[:1024]
		}
		row.Failure = sql.NullString{String: msg, Valid: true}
	}
	return row
}

func (row segmentRow) result() SegmentResult {
	res := SegmentResult{
		Run:            row.Run,
		Segment:        row.Segment,
		Timestamp:      orNaN(row.Timestamp),
		Angle:          orNaN(row.Angle),
		Hits:           row.Hits,
		DeltaT:         [NumPlates]float64{orNaN(row.DeltaT0), orNaN(row.DeltaT1), orNaN(row.DeltaT2), orNaN(row.DeltaT3)},
		HitCoordinates: [NumPlates]float64{orNaN(row.Hit0), orNaN(row.Hit1), orNaN(row.Hit2), orNaN(row.Hit3)},
	}
	if row.Failure.Valid {
		res.Err = errors.New(row.Failure.String)
	}
	return res
}

const insertSegment = `INSERT INTO segment_results
	(run, segment, ts, angle, hits, delta_t0, delta_t1, delta_t2, delta_t3, hit0, hit1, hit2, hit3, failure)
	VALUES (:run, :segment, :ts, :angle, :hits, :delta_t0, :delta_t1, :delta_t2, :delta_t3, :hit0, :hit1, :hit2, :hit3, :failure)`

// SaveResults replaces the stored results of every run present in results.
func (s *ResultStore) SaveResults(results []SegmentResult) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	cleared := map[string]bool{}
	for _, res := range results {
		if !cleared[res.Run] {
			if _, err := tx.Exec(tx.Rebind("DELETE FROM segment_results WHERE run = ?"), res.Run); err != nil {
				return fmt.Errorf("error clearing run %s: %w", res.Run, err)
			}
			cleared[res.Run] = true
		}
		if _, err := tx.NamedExec(insertSegment, toRow(res)); err != nil {
			return fmt.Errorf("error inserting %s segment %d: %w", res.Run, res.Segment, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing results: %w", err)
	}
	if verbosity > 0 {
		logger.Info(fmt.Sprintf("Stored %d segment results", len(results)), "database")
	}
	return nil
}

func (s *ResultStore) LoadResults(run string) ([]SegmentResult, error) {
	query := s.db.Rebind("SELECT * FROM segment_results WHERE run = ? ORDER BY segment")
	if verbosity > 2 {
		logger.Info(fmt.Sprintf("Query: %s", query), "database")
	}
	rows, err := s.db.Queryx(query, run)
	if err != nil {
		return nil, fmt.Errorf("error querying database: %w", err)
	}
	defer rows.Close()

	results := make([]SegmentResult, 0)
	for rows.Next() {
		row := segmentRow{}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("error scanning DB row: %w", err)
		}
		results = append(results, row.result())
	}
	return results, rows.Err()
}

type calibrationRow struct {
	Label     string          `db:"label"`
	Slope     float64         `db:"slope"`
	Intercept float64         `db:"intercept"`
	Cov00     sql.NullFloat64 `db:"cov00"`
	Cov01     sql.NullFloat64 `db:"cov01"`
	Cov10     sql.NullFloat64 `db:"cov10"`
	Cov11     sql.NullFloat64 `db:"cov11"`
}

func (s *ResultStore) SaveCalibration(label string, cal Calibration) error {
	row := calibrationRow{Label: label, Slope: cal.Slope, Intercept: cal.Intercept}
	if len(cal.Covariance) == 2 && len(cal.Covariance[0]) == 2 && len(cal.Covariance[1]) == 2 {
		row.Cov00 = nullable(cal.Covariance[0][0])
		row.Cov01 = nullable(cal.Covariance[0][1])
		row.Cov10 = nullable(cal.Covariance[1][0])
		row.Cov11 = nullable(cal.Covariance[1][1])
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(tx.Rebind("DELETE FROM calibrations WHERE label = ?"), label); err != nil {
		return fmt.Errorf("error clearing calibration %s: %w", label, err)
	}
	_, err = tx.NamedExec(`INSERT INTO calibrations (label, slope, intercept, cov00, cov01, cov10, cov11)
		VALUES (:label, :slope, :intercept, :cov00, :cov01, :cov10, :cov11)`, row)
	if err != nil {
		return fmt.Errorf("error inserting calibration %s: %w", label, err)
	}
	return tx.Commit()
}

func (s *ResultStore) LoadCalibration(label string) (Calibration, error) {
	var row calibrationRow
	err := s.db.Get(&row, s.db.Rebind("SELECT * FROM calibrations WHERE label = ?"), label)
	if errors.Is(err, sql.ErrNoRows) {
		return Calibration{}, fmt.Errorf("no calibration %q: %w", label, ErrInvalidCalibration)
	}
	if err != nil {
		return Calibration{}, fmt.Errorf("error querying database: %w", err)
	}
	cal := Calibration{Slope: row.Slope, Intercept: row.Intercept}
	if row.Cov00.Valid && row.Cov01.Valid && row.Cov10.Valid && row.Cov11.Valid {
		cal.Covariance = [][]float64{
			{row.Cov00.Float64, row.Cov01.Float64},
			{row.Cov10.Float64, row.Cov11.Float64},
		}
	}
	return cal, cal.validate()
}
