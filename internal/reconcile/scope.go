package reconcile

import (
	"errors"
	"fmt"

	"github.com/xkilldash9x/scangraph/api/schemas"
)

var (
	// ErrPreviousStateFetchFailed wraps a GraphReader failure for one scope.
	ErrPreviousStateFetchFailed = errors.New("previous state fetch failed")
	// ErrDiffFailed wraps a Differ failure for one scope.
	ErrDiffFailed = errors.New("diff failed")
	// ErrAborted marks scopes that were never started because the run was cancelled.
	ErrAborted = errors.New("reconciliation aborted")
)

// ScopeKind says whether a scope reconciles entities or relationships.
type ScopeKind int

const (
	ScopeEntities ScopeKind = iota
	ScopeRelationships
)

func (k ScopeKind) String() string {
	if k == ScopeRelationships {
		return "relationships"
	}
	return "entities"
}

// Scope is one (type, account, integration instance) reconciliation unit.
// Account and instance are always passed explicitly.
type Scope struct {
	Kind                  ScopeKind
	Type                  string
	AccountID             string
	IntegrationInstanceID string
}

// NewScope builds a scope for one type token under the owning account/instance.
func NewScope(kind ScopeKind, typ string, owner schemas.Scope) Scope {
	return Scope{
		Kind:                  kind,
		Type:                  typ,
		AccountID:             owner.AccountID,
		IntegrationInstanceID: owner.IntegrationInstanceID,
	}
}

// Filter returns the previous-state lookup for this scope.
func (s Scope) Filter() schemas.Filter {
	return schemas.Filter{
		AccountID:             s.AccountID,
		IntegrationInstanceID: s.IntegrationInstanceID,
		Type:                  s.Type,
		Deleted:               false,
	}
}

func (s Scope) String() string {
	return fmt.Sprintf("%s/%s[%s/%s]", s.Kind, s.Type, s.AccountID, s.IntegrationInstanceID)
}

// ScopeError is a hard failure of a single scope. Sibling scopes are unaffected.
type ScopeError struct {
	Scope Scope
	Err   error
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("scope %s: %v", e.Scope, e.Err)
}

func (e *ScopeError) Unwrap() error { return e.Err }
