package veracode

import (
	"context"
	"fmt"
	"os"
	"sync"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"

	"github.com/xkilldash9x/scangraph/api/schemas"
)

// Snapshot is the on-disk form of one account's source data.
type Snapshot struct {
	Applications []schemas.SourceApplication `json:"applications"`
	Findings     []schemas.SourceFinding     `json:"findings"`
}

// FileSource serves a Snapshot read from disk. The file is read once.
type FileSource struct {
	path string

	once     sync.Once
	snapshot Snapshot
	err      error
}

var _ schemas.FindingSource = (*FileSource)(nil)

// NewFileSource creates a source for the snapshot at path. A leading "~" is
// expanded to the user's home directory.
func NewFileSource(path string) (*FileSource, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand snapshot path %q: %w", path, err)
	}
	return &FileSource{path: expanded}, nil
}

func (f *FileSource) load() (Snapshot, error) {
	f.once.Do(func() {
		data, err := os.ReadFile(f.path)
		if err != nil {
			f.err = fmt.Errorf("failed to read snapshot: %w", err)
			return
		}
		if err := json.Unmarshal(data, &f.snapshot); err != nil {
			f.err = fmt.Errorf("failed to decode snapshot %s: %w", f.path, err)
		}
	})
	return f.snapshot, f.err
}

// FetchApplications returns the snapshot's applications.
func (f *FileSource) FetchApplications(ctx context.Context, _ string) ([]schemas.SourceApplication, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := f.load()
	if err != nil {
		return nil, err
	}
	return s.Applications, nil
}

// FetchFindings returns the snapshot's findings.
func (f *FileSource) FetchFindings(ctx context.Context, _ string) ([]schemas.SourceFinding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := f.load()
	if err != nil {
		return nil, err
	}
	return s.Findings, nil
}
