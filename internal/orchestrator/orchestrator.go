// File: internal/orchestrator/orchestrator.go
// Description: Runs one sync of an integration instance end to end. It is
// injected with the source, reconciliation driver and persister via interfaces.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scangraph/api/schemas"
	"github.com/xkilldash9x/scangraph/internal/aggregate"
	"github.com/xkilldash9x/scangraph/internal/archive"
	"github.com/xkilldash9x/scangraph/internal/catalog"
	"github.com/xkilldash9x/scangraph/internal/converters"
	"github.com/xkilldash9x/scangraph/internal/mapping"
	"github.com/xkilldash9x/scangraph/internal/observability"
	"github.com/xkilldash9x/scangraph/internal/reconcile"
)

var (
	// ErrApplicationNotFound means a finding could not be paired with an application.
	ErrApplicationNotFound = errors.New("application not found for finding")
	// ErrDuplicateFinding means a finding key was already produced earlier in the run.
	ErrDuplicateFinding = errors.New("duplicate finding key")
	// ErrSourceFetchFailed wraps a failure to read the source; the run is aborted.
	ErrSourceFetchFailed = errors.New("source fetch failed")
	// ErrPersistFailed wraps a failure to commit the batch.
	ErrPersistFailed = errors.New("persist failed")
)

// Archiver stores a record of each run.
type Archiver interface {
	Archive(ctx context.Context, rec archive.Record) (string, error)
}

// Orchestrator syncs integration instances.
type Orchestrator struct {
	logger    *zap.Logger
	source    schemas.FindingSource
	driver    *reconcile.Driver
	persister schemas.Persister
	archiver  Archiver
	dryRun    bool
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithArchiver uploads every run record through a.
func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithDryRun computes the batch without persisting it.
func WithDryRun(dryRun bool) Option {
	return func(o *Orchestrator) { o.dryRun = dryRun }
}

// WithClock overrides the clock used for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates a new Orchestrator.
func New(
	logger *zap.Logger,
	source schemas.FindingSource,
	driver *reconcile.Driver,
	persister schemas.Persister,
	opts ...Option,
) (*Orchestrator, error) {
	if logger == nil ||
		source == nil ||
		driver == nil ||
		persister == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	o := &Orchestrator{
		logger:    logger.Named("orchestrator"),
		source:    source,
		driver:    driver,
		persister: persister,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Sync runs one full reconciliation for instance. Per-record problems are
// counted in the summary; scope failures are returned joined alongside the
// summary, and the batches of the surviving scopes are still persisted.
func (o *Orchestrator) Sync(ctx context.Context, instance schemas.IntegrationInstance) (*Summary, error) {
	sum := newSummary(uuid.NewString(), instance, o.now().UTC(), o.dryRun)
	logger := observability.ForRun(o.logger, sum.RunID, instance.Scope())
	logger.Info("Sync starting.")

	apps, err := o.source.FetchApplications(ctx, instance.AccountID)
	if err != nil {
		return sum, fmt.Errorf("%w: applications: %w", ErrSourceFetchFailed, err)
	}
	sourceFindings, err := o.source.FetchFindings(ctx, instance.AccountID)
	if err != nil {
		return sum, fmt.Errorf("%w: findings: %w", ErrSourceFetchFailed, err)
	}

	plan := o.buildPlan(instance, apps, sourceFindings, sum, logger)

	res, runErr := o.driver.Run(ctx, plan)
	sum.record(res)

	if !o.dryRun && res.Batch.Len() > 0 {
		if err := o.persister.Apply(ctx, instance.Scope(), res.Batch); err != nil {
			sum.finish(o.now())
			logger.Error("Failed to persist batch.", zap.Error(err))
			return sum, errors.Join(fmt.Errorf("%w: %w", ErrPersistFailed, err), runErr)
		}
	}

	sum.finish(o.now())
	if o.archiver != nil {
		key, err := o.archiver.Archive(ctx, sum.Record())
		if err != nil {
			// The graph is already committed; a missing archive copy does not fail the run.
			logger.Warn("Failed to archive run.", zap.Error(err))
		} else {
			sum.ArchiveKey = key
		}
	}

	sum.Log(logger)
	return sum, runErr
}

// buildPlan converts source records into the desired state of the run.
func (o *Orchestrator) buildPlan(
	instance schemas.IntegrationInstance,
	apps []schemas.SourceApplication,
	sourceFindings []schemas.SourceFinding,
	sum *Summary,
	logger *zap.Logger,
) reconcile.Plan {
	account := converters.ToAccountEntity(instance)

	appsByGUID := make(map[string]schemas.SourceApplication, len(apps))
	for _, app := range apps {
		appsByGUID[app.GUID] = app
	}

	var (
		findings []schemas.Entity
		vulns    []schemas.Entity
		accepted []schemas.SourceFinding
		held     heldKeys
		seen     = make(map[string]struct{}, len(sourceFindings))
	)
	for _, f := range sourceFindings {
		key := converters.FindingKey(f.GUID)
		app, err := pairApplication(f, appsByGUID)
		if err == nil {
			if _, dup := seen[key]; dup {
				err = fmt.Errorf("%w: %s", ErrDuplicateFinding, key)
			}
		}
		var entity schemas.Entity
		if err == nil {
			entity, err = converters.ToFindingEntity(f, app)
		}
		if err != nil {
			sum.skip(err)
			logger.Warn("Skipping finding.", zap.String("key", key), zap.Error(err))
			if !errors.Is(err, ErrDuplicateFinding) {
				held.add(account.Key, f)
			}
			continue
		}
		seen[key] = struct{}{}
		findings = append(findings, entity)
		vulns = append(vulns, converters.ToVulnerabilityEntity(f))
		accepted = append(accepted, f)
	}

	agg := aggregate.Aggregate(account, findings)
	for key, err := range agg.Skipped {
		sum.skip(err)
		logger.Warn("Finding not aggregated.", zap.String("key", key), zap.Error(err))
	}
	if len(agg.Skipped) > 0 {
		for _, f := range accepted {
			if _, ok := agg.Skipped[converters.FindingKey(f.GUID)]; ok {
				held.add(account.Key, f)
			}
		}
		findings, vulns = dropSkipped(findings, vulns, agg.Skipped)
	}
	sum.Held = len(held.findings)

	vulnAgg, err := aggregate.AggregateVulnerabilities(findings, vulns)
	if err != nil {
		// findings and vulns are built in lockstep above.
		logger.Error("Vulnerability aggregation failed.", zap.Error(err))
	}

	resolver := mapping.NewResolver(catalog.FromFindings(accepted), logger)
	mapped, failed := resolver.ResolveAll(findings)
	for _, err := range failed {
		sum.skip(err)
	}

	return reconcile.Plan{
		Owner: instance.Scope(),
		Entities: []reconcile.EntitySet{
			{Type: schemas.TypeAccount, Items: []schemas.Entity{account}},
			{Type: schemas.TypeFinding, Items: findings, Held: held.findings},
			{Type: schemas.TypeService, Items: agg.Services, Held: held.services},
			{Type: schemas.TypeVulnerability, Items: vulnAgg.Entities, Held: held.vulns},
		},
		Relationships: []reconcile.RelationshipSet{
			{Type: schemas.TypeAccountHasService, Items: agg.AccountServices, Held: held.has},
			{Type: schemas.TypeServiceIdentified, Items: agg.ServiceFindings, Held: held.identified},
			{Type: schemas.TypeFindingIsVulnerability, Items: vulnAgg.Relationships, Held: held.is},
		},
		Mapped:    mapped,
		Timestamp: sum.StartedAt.UnixMilli(),
	}
}

// pairApplication returns the application a finding was reported under. A
// finding without a context guid is paired only when its status map names
// exactly one application.
func pairApplication(f schemas.SourceFinding, apps map[string]schemas.SourceApplication) (schemas.SourceApplication, error) {
	guid := f.ContextGUID
	if guid == "" && len(f.FindingStatus) == 1 {
		for only := range f.FindingStatus {
			guid = only
		}
	}
	app, ok := apps[guid]
	if !ok {
		return schemas.SourceApplication{}, fmt.Errorf("%w: finding %s, application %q", ErrApplicationNotFound, f.GUID, guid)
	}
	return app, nil
}

// heldKeys collects, per type, the keys of findings that are still at the
// source but could not be built this run, plus the service, vulnerability and
// edges they hang off. Their persisted state is kept.
type heldKeys struct {
	findings, services, vulns []string
	has, identified, is       []string
}

func (h *heldKeys) add(accountKey string, f schemas.SourceFinding) {
	finding := converters.FindingKey(f.GUID)
	service := converters.ServiceKey(f.ScanType)
	vuln := converters.VulnerabilityKey(f.FindingCategory.ID)
	h.findings = append(h.findings, finding)
	h.services = append(h.services, service)
	h.vulns = append(h.vulns, vuln)
	h.has = append(h.has, converters.RelationshipKey(accountKey, schemas.ClassHas, service))
	h.identified = append(h.identified, converters.RelationshipKey(service, schemas.ClassIdentified, finding))
	h.is = append(h.is, converters.RelationshipKey(finding, schemas.ClassIs, vuln))
}

func dropSkipped(findings, vulns []schemas.Entity, skipped map[string]error) ([]schemas.Entity, []schemas.Entity) {
	keptF := findings[:0:0]
	keptV := vulns[:0:0]
	for i, f := range findings {
		if _, drop := skipped[f.Key]; drop {
			continue
		}
		keptF = append(keptF, f)
		keptV = append(keptV, vulns[i])
	}
	return keptF, keptV
}
