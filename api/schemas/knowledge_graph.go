package schemas

import (
	"time"
)

// -- Canonical Graph Data Model --

// Entity type tokens. Every persisted entity carries exactly one of these, and
// each token is reconciled as its own scope.
const (
	TypeAccount       = "veracode_account"
	TypeService       = "veracode_scan"
	TypeVulnerability = "veracode_vulnerability"
	TypeFinding       = "veracode_finding"
	TypeWeakness      = "cwe"
)

// Relationship type tokens.
const (
	TypeAccountHasService       = "veracode_account_has_service"
	TypeServiceIdentified       = "veracode_scan_identified_finding"
	TypeFindingExploitsWeakness = "veracode_finding_exploits_cwe"
	TypeFindingIsVulnerability  = "veracode_finding_is_vulnerability"
)

// Entity classes.
const (
	ClassAccount       = "Account"
	ClassService       = "Service"
	ClassVulnerability = "Vulnerability"
	ClassFinding       = "Finding"
	ClassWeakness      = "Weakness"
)

// Relationship classes.
const (
	ClassHas        = "HAS"
	ClassIdentified = "IDENTIFIED"
	ClassExploits   = "EXPLOITS"
	ClassIs         = "IS"
)

// Entity represents a single node of the graph. Key is globally unique and is a
// pure function of the identifying fields of the source record, so deriving the
// same logical object twice always yields the same key.
type Entity struct {
	Key        string         `json:"_key"`
	Type       string         `json:"_type"`
	Class      string         `json:"_class"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Attr returns a single attribute value, or nil when absent.
func (e Entity) Attr(name string) any {
	if e.Attributes == nil {
		return nil
	}
	return e.Attributes[name]
}

// Direction is the orientation of a mapped relationship relative to its source entity.
type Direction string

const (
	DirectionForward Direction = "FORWARD"
	DirectionReverse Direction = "REVERSE"
)

// FilterKey is one field/value pair used by the persistence layer to match the
// target of a mapped relationship against entities it does not own locally.
type FilterKey struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// MappedRelationship carries what the persistence layer needs to attach an edge
// to an externally mastered entity. It is rebuilt on every run and never stored.
type MappedRelationship struct {
	Direction        Direction   `json:"relationshipDirection"`
	SourceKey        string      `json:"sourceEntityKey"`
	TargetEntity     Entity      `json:"targetEntity"`
	TargetFilterKeys []FilterKey `json:"targetFilterKeys"`
}

// RelationshipKind tags a relationship as plain or mapped.
type RelationshipKind int

const (
	RelationshipPlain RelationshipKind = iota
	RelationshipMapped
)

func (k RelationshipKind) String() string {
	switch k {
	case RelationshipPlain:
		return "plain"
	case RelationshipMapped:
		return "mapped"
	default:
		return "unknown"
	}
}

// Relationship represents a directed, typed edge. The key is derived from
// FromKey, the lower-cased class and ToKey, so at most one edge of a class
// exists between an ordered pair.
type Relationship struct {
	Key        string              `json:"_key"`
	Type       string              `json:"_type"`
	Class      string              `json:"_class"`
	FromKey    string              `json:"_fromEntityKey"`
	ToKey      string              `json:"_toEntityKey"`
	Properties map[string]any      `json:"properties,omitempty"`
	Mapping    *MappedRelationship `json:"_mapping,omitempty"`
}

// Kind reports which variant the relationship is.
func (r Relationship) Kind() RelationshipKind {
	if r.Mapping != nil {
		return RelationshipMapped
	}
	return RelationshipPlain
}

// -- Persisted State --

// Scope identifies the account and integration instance that own persisted items.
type Scope struct {
	AccountID             string `json:"accountId"`
	IntegrationInstanceID string `json:"integrationInstanceId"`
}

// PersistedEntity is an entity as previously written by the persistence layer.
type PersistedEntity struct {
	Entity
	Scope     Scope     `json:"scope"`
	Deleted   bool      `json:"_deleted"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PersistedRelationship is a relationship as previously written by the persistence layer.
type PersistedRelationship struct {
	Relationship
	Scope     Scope     `json:"scope"`
	Deleted   bool      `json:"_deleted"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Filter selects previously persisted items of exactly one type. Deleted is
// always false for reconciliation lookups.
type Filter struct {
	AccountID             string
	IntegrationInstanceID string
	Type                  string
	Deleted               bool
}

// -- Operations --

// OperationKind is the action the persistence layer applies for one item.
type OperationKind string

const (
	OpCreate                   OperationKind = "CREATE"
	OpUpdate                   OperationKind = "UPDATE"
	OpDelete                   OperationKind = "DELETE"
	OpCreateMappedRelationship OperationKind = "CREATE_MAPPED_RELATIONSHIP"
)

// Operation is a single create/update/delete instruction. Exactly one of Entity
// or Relationship is set.
type Operation struct {
	Kind         OperationKind `json:"type"`
	Type         string        `json:"_type"`
	Key          string        `json:"_key"`
	Entity       *Entity       `json:"entity,omitempty"`
	Relationship *Relationship `json:"relationship,omitempty"`
	Timestamp    int64         `json:"timestamp,omitempty"`
}

// IsEntity reports whether the operation targets an entity.
func (o Operation) IsEntity() bool { return o.Entity != nil }

// OperationBatch is the ordered pair of entity and relationship operations
// handed to the persistence layer for a single commit.
type OperationBatch struct {
	Entities      []Operation `json:"entities"`
	Relationships []Operation `json:"relationships"`
}

// Len returns the total number of operations in the batch.
func (b OperationBatch) Len() int { return len(b.Entities) + len(b.Relationships) }

// Append adds all operations of other to b, preserving order.
func (b *OperationBatch) Append(other OperationBatch) {
	b.Entities = append(b.Entities, other.Entities...)
	b.Relationships = append(b.Relationships, other.Relationships...)
}
