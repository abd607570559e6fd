// Package aggregate derives the deduplicated service and vulnerability nodes of
// a run, together with the edges that hang off them, from the run's findings.
package aggregate

import (
	"errors"
	"fmt"

	"github.com/xkilldash9x/scangraph/api/schemas"
	"github.com/xkilldash9x/scangraph/internal/converters"
)

// ErrMissingScanType is recorded for a finding entity without a scanType attribute.
var ErrMissingScanType = errors.New("finding has no scan type")

// Result holds everything derived from one pass over a run's findings.
type Result struct {
	Services        []schemas.Entity
	AccountServices []schemas.Relationship
	ServiceFindings []schemas.Relationship
	// Skipped maps the key of each finding that could not be aggregated to the reason.
	Skipped map[string]error
}

// Aggregate walks findings once. The first finding of each scan type creates
// the service and its HAS edge from the account; every finding gets one
// IDENTIFIED edge from its service.
func Aggregate(account schemas.Entity, findings []schemas.Entity) Result {
	services := NewIndex[schemas.Entity]()
	res := Result{
		AccountServices: make([]schemas.Relationship, 0),
		ServiceFindings: make([]schemas.Relationship, 0, len(findings)),
		Skipped:         make(map[string]error),
	}

	for _, finding := range findings {
		scanType, _ := finding.Attr("scanType").(string)
		if NormalizeToken(scanType) == "" {
			res.Skipped[finding.Key] = fmt.Errorf("%w: %s", ErrMissingScanType, finding.Key)
			continue
		}

		service, created := services.GetOrAdd(scanType, func(string) schemas.Entity {
			return converters.ToServiceEntity(scanType)
		})
		if created {
			res.AccountServices = append(res.AccountServices, converters.ToAccountServiceRelationship(account, service))
		}
		res.ServiceFindings = append(res.ServiceFindings, converters.ToServiceFindingRelationship(service, finding))
	}

	res.Services = services.Values()
	return res
}

// Vulnerabilities holds the deduplicated vulnerability categories of a run and
// one IS edge per finding.
type Vulnerabilities struct {
	Entities      []schemas.Entity
	Relationships []schemas.Relationship
}

// AggregateVulnerabilities pairs findings[i] with vulns[i]. Vulnerabilities are
// deduplicated by key, first seen wins.
func AggregateVulnerabilities(findings, vulns []schemas.Entity) (Vulnerabilities, error) {
	if len(findings) != len(vulns) {
		return Vulnerabilities{}, fmt.Errorf("aggregate: %d findings but %d vulnerabilities", len(findings), len(vulns))
	}
	index := NewIndex[schemas.Entity]()
	out := Vulnerabilities{Relationships: make([]schemas.Relationship, 0, len(findings))}
	for i, finding := range findings {
		vuln, _ := index.GetOrAdd(vulns[i].Key, func(string) schemas.Entity { return vulns[i] })
		out.Relationships = append(out.Relationships, converters.ToFindingVulnerabilityRelationship(finding, vuln))
	}
	out.Entities = index.Values()
	return out, nil
}
