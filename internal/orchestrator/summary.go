package orchestrator

import (
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scangraph/api/schemas"
	"github.com/xkilldash9x/scangraph/internal/aggregate"
	"github.com/xkilldash9x/scangraph/internal/archive"
	"github.com/xkilldash9x/scangraph/internal/converters"
	"github.com/xkilldash9x/scangraph/internal/mapping"
	"github.com/xkilldash9x/scangraph/internal/reconcile"
)

// SkipReason classifies a record left out of a run.
type SkipReason string

const (
	SkipMalformedTimestamp  SkipReason = "malformed_timestamp"
	SkipStatusNotFound      SkipReason = "status_not_found"
	SkipApplicationNotFound SkipReason = "application_not_found"
	SkipDuplicateFinding    SkipReason = "duplicate_finding"
	SkipWeaknessNotFound    SkipReason = "weakness_not_found"
	SkipMissingScanType     SkipReason = "missing_scan_type"
	SkipOther               SkipReason = "other"
)

// ReasonOf maps a per-record error to its skip reason.
func ReasonOf(err error) SkipReason {
	switch {
	case errors.Is(err, converters.ErrMalformedTimestamp):
		return SkipMalformedTimestamp
	case errors.Is(err, converters.ErrStatusNotFoundForApplication):
		return SkipStatusNotFound
	case errors.Is(err, ErrApplicationNotFound):
		return SkipApplicationNotFound
	case errors.Is(err, ErrDuplicateFinding):
		return SkipDuplicateFinding
	case errors.Is(err, mapping.ErrWeaknessNotFound):
		return SkipWeaknessNotFound
	case errors.Is(err, aggregate.ErrMissingScanType):
		return SkipMissingScanType
	default:
		return SkipOther
	}
}

// Summary is the roll-up of one run.
type Summary struct {
	RunID      string
	Instance   schemas.IntegrationInstance
	StartedAt  time.Time
	FinishedAt time.Time
	DryRun     bool
	Skipped    map[SkipReason]int
	// Held counts skipped findings whose persisted state was kept.
	Held       int
	Counts     map[schemas.OperationKind]int
	Failures   []*reconcile.ScopeError
	Batch      schemas.OperationBatch
	ArchiveKey string
}

func newSummary(runID string, instance schemas.IntegrationInstance, started time.Time, dryRun bool) *Summary {
	return &Summary{
		RunID:     runID,
		Instance:  instance,
		StartedAt: started,
		DryRun:    dryRun,
		Skipped:   make(map[SkipReason]int),
		Counts:    make(map[schemas.OperationKind]int),
	}
}

func (s *Summary) skip(err error) {
	s.Skipped[ReasonOf(err)]++
}

func (s *Summary) record(res *reconcile.Result) {
	if res == nil {
		return
	}
	s.Batch = res.Batch
	s.Failures = res.Failures
	s.Counts = res.Counts()
}

func (s *Summary) finish(t time.Time) {
	s.FinishedAt = t.UTC()
}

// TotalSkipped returns the number of records left out of the run.
func (s *Summary) TotalSkipped() int {
	n := 0
	for _, c := range s.Skipped {
		n += c
	}
	return n
}

// Record returns the archived form of the run.
func (s *Summary) Record() archive.Record {
	rec := archive.Record{
		RunID:      s.RunID,
		Scope:      s.Instance.Scope(),
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		DryRun:     s.DryRun,
		Batch:      s.Batch,
	}
	if len(s.Skipped) > 0 {
		rec.Skipped = make(map[string]int, len(s.Skipped))
		for reason, n := range s.Skipped {
			rec.Skipped[string(reason)] = n
		}
	}
	for _, f := range s.Failures {
		rec.Failures = append(rec.Failures, f.Error())
	}
	return rec
}

// Log writes the roll-up at info level, or warn when anything was skipped or failed.
func (s *Summary) Log(logger *zap.Logger) {
	reasons := make([]string, 0, len(s.Skipped))
	for r := range s.Skipped {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	skipped := make([]zap.Field, 0, len(reasons))
	for _, r := range reasons {
		skipped = append(skipped, zap.Int(r, s.Skipped[SkipReason(r)]))
	}

	fields := []zap.Field{
		zap.Bool("dry_run", s.DryRun),
		zap.Duration("duration", s.FinishedAt.Sub(s.StartedAt)),
		zap.Int("create", s.Counts[schemas.OpCreate]),
		zap.Int("update", s.Counts[schemas.OpUpdate]),
		zap.Int("delete", s.Counts[schemas.OpDelete]),
		zap.Int("mapped", s.Counts[schemas.OpCreateMappedRelationship]),
		zap.Dict("skipped", skipped...),
		zap.Int("held", s.Held),
		zap.Int("failed_scopes", len(s.Failures)),
	}
	if s.ArchiveKey != "" {
		fields = append(fields, zap.String("archive_key", s.ArchiveKey))
	}

	if len(s.Failures) > 0 || s.TotalSkipped() > 0 {
		logger.Warn("Sync finished with issues.", fields...)
		return
	}
	logger.Info("Sync finished.", fields...)
}
