// File: cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scangraph/api/schemas"
	"github.com/xkilldash9x/scangraph/internal/config"
	"github.com/xkilldash9x/scangraph/internal/knowledgegraph"
	"github.com/xkilldash9x/scangraph/internal/mocks"
	"github.com/xkilldash9x/scangraph/internal/orchestrator"
)

// fakeProvider serves one in-memory graph and a mocked source, and records
// the configuration each command ran with.
type fakeProvider struct {
	kg       *knowledgegraph.InMemoryKG
	source   *mocks.MockFindingSource
	storeErr error
	lastCfg  config.Interface
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	kg, err := knowledgegraph.NewInMemoryKG(zap.NewNop())
	require.NoError(t, err)

	src := new(mocks.MockFindingSource)
	src.On("FetchApplications", mock.Anything, "acct-1").Return([]schemas.SourceApplication{
		{GUID: "app-1", Profile: schemas.ApplicationProfile{Name: "Storefront"}},
	}, nil)
	src.On("FetchFindings", mock.Anything, "acct-1").Return([]schemas.SourceFinding{{
		GUID:        "abc",
		ContextGUID: "app-1",
		ScanType:    "STATIC",
		CWE:         schemas.CWEData{ID: "79", Name: "XSS"},
		FindingStatus: map[string]schemas.FindingStatus{
			"app-1": {Status: "OPEN", FoundDate: "2024-01-01T00:00:00.000Z"},
		},
		FindingCategory: schemas.FindingCategory{ID: "19", Name: "Cross-Site Scripting"},
	}}, nil)

	return &fakeProvider{kg: kg, source: src}
}

func (f *fakeProvider) Store(_ context.Context, cfg config.Interface, _ *zap.Logger) (schemas.GraphStore, func(), error) {
	f.lastCfg = cfg
	if f.storeErr != nil {
		return nil, nil, f.storeErr
	}
	return f.kg, func() {}, nil
}

func (f *fakeProvider) Source(config.Interface, *zap.Logger) (schemas.FindingSource, error) {
	return f.source, nil
}

func (f *fakeProvider) Archiver(context.Context, config.Interface, *zap.Logger) (orchestrator.Archiver, error) {
	return nil, nil
}

// execute runs a fresh root command and returns its combined output.
func execute(t *testing.T, p componentProvider, args ...string) (string, error) {
	t.Helper()
	rootCmd := newRootCmd(p)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

// createTempConfig writes content to a config file in a temp dir.
func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scangraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func setInstanceEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SCANGRAPH_INTEGRATION_INSTANCE_ID", "inst-1")
	t.Setenv("SCANGRAPH_INTEGRATION_ACCOUNT_ID", "acct-1")
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := execute(t, newFakeProvider(t), "--version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}

func TestVersionCmd_NeedsNoConfig(t *testing.T) {
	out, err := execute(t, newFakeProvider(t), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "scangraph "+Version)
}

func TestSyncCmd_RequiresInstance(t *testing.T) {
	_, err := execute(t, newFakeProvider(t), "sync", "--backend", "memory")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "integration.instance_id")
}

func TestSyncCmd_RejectsArgs(t *testing.T) {
	setInstanceEnv(t)
	_, err := execute(t, newFakeProvider(t), "sync", "--backend", "memory", "extra")
	assert.Error(t, err)
}

func TestSyncCmd_FlagsOverrideConfig(t *testing.T) {
	p := newFakeProvider(t)
	cfgFile := createTempConfig(t, `
integration:
  instance_id: inst-1
  account_id: acct-1
database:
  backend: memory
reconcile:
  concurrency: 2
`)

	_, err := execute(t, p, "--config", cfgFile, "sync", "--concurrency", "7", "--dry-run")
	require.NoError(t, err)
	require.NotNil(t, p.lastCfg)
	assert.Equal(t, 7, p.lastCfg.Reconcile().Concurrency)
	assert.True(t, p.lastCfg.Integration().DryRun)
	assert.Equal(t, config.BackendMemory, p.lastCfg.Database().Backend)
}

func TestSyncCmd_DryRunLeavesGraphEmpty(t *testing.T) {
	setInstanceEnv(t)
	p := newFakeProvider(t)

	out, err := execute(t, p, "sync", "--backend", "memory", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "(dry run): 7 created")

	_, err = p.kg.GetEntity(context.Background(), "veracode-finding-abc")
	assert.ErrorIs(t, err, knowledgegraph.ErrNotFound)
}

func TestSyncThenGraph(t *testing.T) {
	setInstanceEnv(t)
	p := newFakeProvider(t)

	out, err := execute(t, p, "sync", "--backend", "memory")
	require.NoError(t, err)
	assert.Contains(t, out, "(applied): 7 created, 0 updated, 0 deleted, 1 mapped")

	out, err = execute(t, p, "graph", "--backend", "memory", "--type", schemas.TypeFinding)
	require.NoError(t, err)

	var found []schemas.PersistedEntity
	require.NoError(t, json.Unmarshal([]byte(out), &found))
	require.Len(t, found, 1)
	assert.Equal(t, "veracode-finding-abc", found[0].Key)

	outFile := filepath.Join(t.TempDir(), "rels.json")
	_, err = execute(t, p, "graph", "--backend", "memory", "-r", "--type", schemas.TypeServiceIdentified, "-o", outFile)
	require.NoError(t, err)
	data, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "veracode-scan-static|identified|veracode-finding-abc")
}

func TestGraphCmd_RequiresType(t *testing.T) {
	setInstanceEnv(t)
	_, err := execute(t, newFakeProvider(t), "graph", "--backend", "memory")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "type" not set`)
}

func TestSyncCmd_StoreFailure(t *testing.T) {
	setInstanceEnv(t)
	p := newFakeProvider(t)
	p.storeErr = errors.New("connection refused")

	_, err := execute(t, p, "sync", "--backend", "memory")
	assert.ErrorIs(t, err, p.storeErr)
}

func TestMigrateCmd_MemoryBackend(t *testing.T) {
	setInstanceEnv(t)
	_, err := execute(t, newFakeProvider(t), "migrate", "--config", createTempConfig(t, "database:\n  backend: memory\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no schema to migrate")
}

func TestConfigFromContext(t *testing.T) {
	_, err := configFromContext(context.Background())
	assert.Error(t, err)

	cfg := config.NewDefaultConfig()
	ctx := context.WithValue(context.Background(), configKey, config.Interface(cfg))
	got, err := configFromContext(ctx)
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}
