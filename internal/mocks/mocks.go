// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/scangraph/api/schemas"
	"github.com/xkilldash9x/scangraph/internal/archive"
	"github.com/xkilldash9x/scangraph/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Veracode() config.VeracodeConfig {
	args := m.Called()
	return args.Get(0).(config.VeracodeConfig)
}

func (m *MockConfig) Reconcile() config.ReconcileConfig {
	args := m.Called()
	return args.Get(0).(config.ReconcileConfig)
}

func (m *MockConfig) Integration() config.IntegrationConfig {
	args := m.Called()
	return args.Get(0).(config.IntegrationConfig)
}

func (m *MockConfig) Archive() config.ArchiveConfig {
	args := m.Called()
	return args.Get(0).(config.ArchiveConfig)
}

func (m *MockConfig) Tracing() config.TracingConfig {
	args := m.Called()
	return args.Get(0).(config.TracingConfig)
}

// --- Setters ---

func (m *MockConfig) SetIntegrationDryRun(b bool)   { m.Called(b) }
func (m *MockConfig) SetReconcileConcurrency(n int) { m.Called(n) }
func (m *MockConfig) SetDatabaseBackend(b string)   { m.Called(b) }

// -- Finding Source Mock --

// MockFindingSource mocks the schemas.FindingSource interface.
type MockFindingSource struct {
	mock.Mock
}

var _ schemas.FindingSource = (*MockFindingSource)(nil)

func (m *MockFindingSource) FetchApplications(ctx context.Context, accountID string) ([]schemas.SourceApplication, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.SourceApplication), args.Error(1)
}

func (m *MockFindingSource) FetchFindings(ctx context.Context, accountID string) ([]schemas.SourceFinding, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.SourceFinding), args.Error(1)
}

// -- Graph Store Mocks --

// MockGraphReader mocks the schemas.GraphReader interface.
type MockGraphReader struct {
	mock.Mock
}

var _ schemas.GraphReader = (*MockGraphReader)(nil)

func (m *MockGraphReader) FindEntities(ctx context.Context, filter schemas.Filter) ([]schemas.PersistedEntity, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.PersistedEntity), args.Error(1)
}

func (m *MockGraphReader) FindRelationships(ctx context.Context, filter schemas.Filter) ([]schemas.PersistedRelationship, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.PersistedRelationship), args.Error(1)
}

// MockPersister mocks the schemas.Persister interface.
type MockPersister struct {
	mock.Mock
}

var _ schemas.Persister = (*MockPersister)(nil)

func (m *MockPersister) Apply(ctx context.Context, scope schemas.Scope, batch schemas.OperationBatch) error {
	return m.Called(ctx, scope, batch).Error(0)
}

// -- Archive Mock --

// MockArchiver mocks a run archiver.
type MockArchiver struct {
	mock.Mock
}

func (m *MockArchiver) Archive(ctx context.Context, rec archive.Record) (string, error) {
	args := m.Called(ctx, rec)
	return args.String(0), args.Error(1)
}
