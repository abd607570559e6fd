// Package converters turns single scanning-service records into graph entities
// and relationships. Every function here is pure: keys depend only on the
// immutable identifiers of the record.
package converters

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xkilldash9x/scangraph/api/schemas"
)

// ErrStatusNotFoundForApplication means a finding has no status block for the
// application it was reported under.
var ErrStatusNotFoundForApplication = errors.New("finding status not found for application")

// Key prefixes.
const (
	ServiceKeyPrefix       = "veracode-scan-"
	FindingKeyPrefix       = "veracode-finding-"
	VulnerabilityKeyPrefix = "veracode-vulnerability-"
	WeaknessKeyPrefix      = "cwe-"
)

// StatusOpen is the finding status that marks an open finding.
const StatusOpen = "OPEN"

// RelationshipKey builds the edge key "<from>|<class lower>|<to>".
func RelationshipKey(fromKey, class, toKey string) string {
	return fromKey + "|" + strings.ToLower(class) + "|" + toKey
}

// ServiceKey returns the key of the service entity for a scan type.
func ServiceKey(scanType string) string {
	return ServiceKeyPrefix + strings.ToLower(strings.TrimSpace(scanType))
}

// FindingKey returns the key of the finding entity for a finding guid.
func FindingKey(guid string) string {
	return FindingKeyPrefix + guid
}

// VulnerabilityKey returns the key of the vulnerability entity for a finding category.
func VulnerabilityKey(categoryID string) string {
	return VulnerabilityKeyPrefix + categoryID
}

// WeaknessKey returns the key of a catalog weakness.
func WeaknessKey(cweID string) string {
	return WeaknessKeyPrefix + cweID
}

// ToAccountEntity builds the account entity for an integration instance.
func ToAccountEntity(instance schemas.IntegrationInstance) schemas.Entity {
	return schemas.Entity{
		Key:   instance.ID,
		Type:  schemas.TypeAccount,
		Class: schemas.ClassAccount,
		Attributes: map[string]any{
			"displayName": instance.Name,
			"name":        instance.Name,
		},
	}
}

// ToServiceEntity builds the service entity for a scan type. The display name
// keeps the spelling of the first record seen.
func ToServiceEntity(scanType string) schemas.Entity {
	return schemas.Entity{
		Key:   ServiceKey(scanType),
		Type:  schemas.TypeService,
		Class: schemas.ClassService,
		Attributes: map[string]any{
			"category":    "software",
			"displayName": scanType,
			"name":        scanType,
		},
	}
}

// ToWeaknessEntity builds the catalog weakness embedded in a finding.
func ToWeaknessEntity(cwe schemas.CWEData) schemas.Entity {
	refs := make([]string, 0, len(cwe.References))
	for _, r := range cwe.References {
		refs = append(refs, r.URL)
	}
	return schemas.Entity{
		Key:   WeaknessKey(cwe.ID),
		Type:  schemas.TypeWeakness,
		Class: schemas.ClassWeakness,
		Attributes: map[string]any{
			"id":                cwe.ID,
			"name":              cwe.Name,
			"displayName":       cwe.Name,
			"description":       cwe.Description,
			"recommendation":    cwe.Recommendation,
			"references":        refs,
			"remediationEffort": cwe.RemediationEffort,
			"severity":          cwe.Severity,
		},
	}
}

// ToVulnerabilityEntity builds the vulnerability category a finding belongs to.
func ToVulnerabilityEntity(f schemas.SourceFinding) schemas.Entity {
	attrs := map[string]any{
		"category":       "application",
		"cwe":            f.CWE.ID,
		"displayName":    f.FindingCategory.Name,
		"exploitability": f.Exploitability,
		"id":             f.FindingCategory.ID,
		"name":           f.FindingCategory.Name,
		"public":         false,
		"scanType":       f.ScanType,
		"severity":       f.Severity,
	}
	if f.CVSS != nil {
		attrs["cvss"] = *f.CVSS
	}
	if f.Description != "" {
		attrs["description"] = f.Description
	}
	return schemas.Entity{
		Key:        VulnerabilityKey(f.FindingCategory.ID),
		Type:       schemas.TypeVulnerability,
		Class:      schemas.ClassVulnerability,
		Attributes: attrs,
	}
}

// ToFindingEntity builds the finding entity for one occurrence within an
// application. Status fields come from the application's entry in the
// finding's status map.
func ToFindingEntity(f schemas.SourceFinding, app schemas.SourceApplication) (schemas.Entity, error) {
	status, ok := f.FindingStatus[app.GUID]
	if !ok {
		return schemas.Entity{}, fmt.Errorf("%w: finding %s, application %s", ErrStatusNotFoundForApplication, f.GUID, app.GUID)
	}

	attrs := map[string]any{
		"targets":              app.Profile.Name,
		"displayName":          f.FindingCategory.Name,
		"name":                 f.FindingCategory.Name,
		"scanType":             f.ScanType,
		"cwe":                  f.CWE.ID,
		"open":                 status.Status == StatusOpen,
		"status":               status.Status,
		"reopened":             status.Reopened,
		"resolution":           status.Resolution,
		"resolutionStatus":     status.ResolutionStatus,
		"sourceFileLineNumber": status.FindingSource.FileLineNumber,
		"sourceFileName":       status.FindingSource.FileName,
		"sourceFilePath":       status.FindingSource.FilePath,
		"sourceModule":         status.FindingSource.Module,
	}

	dates := []struct{ name, value string }{
		{"foundDate", status.FoundDate},
		{"modifiedDate", status.ModifiedDate},
		{"reopenedDate", status.ReopenedDate},
		{"resolvedDate", status.ResolvedDate},
	}
	for _, d := range dates {
		if err := setTime(attrs, d.name, d.value); err != nil {
			return schemas.Entity{}, fmt.Errorf("finding %s: %w", f.GUID, err)
		}
	}

	return schemas.Entity{
		Key:        FindingKey(f.GUID),
		Type:       schemas.TypeFinding,
		Class:      schemas.ClassFinding,
		Attributes: attrs,
	}, nil
}

// ToAccountServiceRelationship links the account to one of its scan services.
func ToAccountServiceRelationship(account, service schemas.Entity) schemas.Relationship {
	return plain(account.Key, schemas.ClassHas, service.Key, schemas.TypeAccountHasService)
}

// ToServiceFindingRelationship links a scan service to a finding it identified.
// The finding stands in for its vulnerability on this edge, so there is one
// edge per finding.
func ToServiceFindingRelationship(service, finding schemas.Entity) schemas.Relationship {
	return plain(service.Key, schemas.ClassIdentified, finding.Key, schemas.TypeServiceIdentified)
}

// ToFindingVulnerabilityRelationship links a finding to its vulnerability category.
func ToFindingVulnerabilityRelationship(finding, vulnerability schemas.Entity) schemas.Relationship {
	return plain(finding.Key, schemas.ClassIs, vulnerability.Key, schemas.TypeFindingIsVulnerability)
}

// ToExploitsRelationship builds the mapped EXPLOITS edge from source to a
// catalog weakness. The weakness is matched by its external id downstream.
func ToExploitsRelationship(source, weakness schemas.Entity) schemas.Relationship {
	return schemas.Relationship{
		Key:     RelationshipKey(source.Key, schemas.ClassExploits, weakness.Key),
		Type:    schemas.TypeFindingExploitsWeakness,
		Class:   schemas.ClassExploits,
		FromKey: source.Key,
		ToKey:   weakness.Key,
		Properties: map[string]any{
			"displayName": schemas.ClassExploits,
		},
		Mapping: &schemas.MappedRelationship{
			Direction:    schemas.DirectionForward,
			SourceKey:    source.Key,
			TargetEntity: weakness,
			TargetFilterKeys: []schemas.FilterKey{
				{Field: "id", Value: weakness.Attr("id")},
			},
		},
	}
}

func plain(fromKey, class, toKey, relType string) schemas.Relationship {
	return schemas.Relationship{
		Key:     RelationshipKey(fromKey, class, toKey),
		Type:    relType,
		Class:   class,
		FromKey: fromKey,
		ToKey:   toKey,
	}
}
