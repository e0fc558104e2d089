// Package watermark persists per-pipeline run status and the Unix time of the
// last successful run, which bounds the next incremental read.
package watermark

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	json "github.com/goccy/go-json"

	"medallion/internal/atomicfile"
	"medallion/internal/logger"
)

// Run statuses. Only StatusSuccess advances the watermark.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusRunning = "running"
)

// HistoryLimit caps the number of run entries kept in a record.
const HistoryLimit = 20

const dateLayout = "2006-01-02"

// Record is the on-disk watermark document of one pipeline.
type Record struct {
	PipelineID    string `json:"pipeline_id"`
	CreatedAt     string `json:"created_at"`
	CreatedAtUnix int64  `json:"created_at_unix"`

	LastRunStatus        string `json:"last_run_status"`
	LastRunTimestamp     string `json:"last_run_timestamp"`
	LastRunTimestampUnix int64  `json:"last_run_timestamp_unix"`
	LastRunDate          string `json:"last_run_date"`

	LastSuccessTimestamp     string `json:"last_success_timestamp,omitempty"`
	LastSuccessTimestampUnix int64  `json:"last_success_timestamp_unix,omitempty"`
	LastSuccessDate          string `json:"last_success_date,omitempty"`

	History []Entry `json:"history,omitempty"`
}

// Entry is one run in Record.History, newest last.
type Entry struct {
	Status        string `json:"status"`
	TimestampUnix int64  `json:"timestamp_unix"`
}

// Store reads and writes watermark records under one directory.
type Store struct {
	dir string
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock used to stamp records.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore returns a Store keeping one <pipeline_id>.json file per pipeline in dir.
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{dir: dir, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Path returns the watermark file of a pipeline.
func (s *Store) Path(pipelineID string) string {
	return filepath.Join(s.dir, pipelineID+".json")
}

// Get reads the record of a pipeline. ok is false when no file exists.
// A file that exists but does not decode is an error.
func (s *Store) Get(pipelineID string) (rec Record, ok bool, err error) {
	if err := checkID(pipelineID); err != nil {
		return Record{}, false, err
	}
	path := s.Path(pipelineID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, errors.Wrapf(err, "read watermark %s", path)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, errors.Wrapf(err, "decode watermark %s", path)
	}
	return rec, true, nil
}

// GetLastSuccessUnix returns the Unix time of the last successful run, or 0
// when the pipeline never succeeded or its record is missing or unreadable.
// 0 means "reload everything" and is never reported as an error.
func (s *Store) GetLastSuccessUnix(pipelineID string) int64 {
	rec, ok, err := s.Get(pipelineID)
	if err != nil {
		logger.Logger.Warnw("watermark unreadable, falling back to full reload",
			logger.FieldPipelineID, pipelineID,
			logger.FieldPath, s.Path(pipelineID),
			logger.FieldError, err,
		)
		return 0
	}
	if !ok {
		return 0
	}
	return rec.LastSuccessTimestampUnix
}

// UpdatePipelineStatus creates or updates the record of a pipeline.
//
// created_* is stamped once. last_run_* is stamped on every call and
// last_success_* only when status is StatusSuccess, all with one instant.
// A corrupt existing file is replaced by a fresh record.
func (s *Store) UpdatePipelineStatus(pipelineID, status string) (Record, error) {
	if strings.TrimSpace(status) == "" {
		return Record{}, errors.New("watermark: empty status")
	}
	rec, ok, err := s.Get(pipelineID)
	if err != nil {
		if checkID(pipelineID) != nil {
			return Record{}, err
		}
		logger.Logger.Warnw("watermark corrupt, starting a new record",
			logger.FieldPipelineID, pipelineID,
			logger.FieldPath, s.Path(pipelineID),
			logger.FieldError, err,
		)
		ok = false
	}

	now := s.now().UTC().Truncate(time.Second)
	ts, unix, date := now.Format(time.RFC3339), now.Unix(), now.Format(dateLayout)

	if !ok {
		rec = Record{PipelineID: pipelineID, CreatedAt: ts, CreatedAtUnix: unix}
	}
	rec.PipelineID = pipelineID

	rec.LastRunStatus = status
	rec.LastRunTimestamp = ts
	rec.LastRunTimestampUnix = unix
	rec.LastRunDate = date

	if status == StatusSuccess {
		rec.LastSuccessTimestamp = ts
		rec.LastSuccessTimestampUnix = unix
		rec.LastSuccessDate = date
	}

	rec.History = append(rec.History, Entry{Status: status, TimestampUnix: unix})
	if n := len(rec.History); n > HistoryLimit {
		rec.History = append([]Entry(nil), rec.History[n-HistoryLimit:]...)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return Record{}, errors.Wrap(err, "encode watermark")
	}
	path := s.Path(pipelineID)
	if err := atomicfile.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return Record{}, errors.Wrapf(err, "write watermark %s", path)
	}

	logger.Logger.Debugw("watermark updated",
		logger.FieldPipelineID, pipelineID,
		logger.FieldStatus, status,
		"last_success_unix", rec.LastSuccessTimestampUnix,
	)
	return rec, nil
}

func checkID(pipelineID string) error {
	if strings.TrimSpace(pipelineID) == "" || strings.ContainsAny(pipelineID, `/\`) {
		return errors.Newf("watermark: invalid pipeline id %q", pipelineID)
	}
	return nil
}
