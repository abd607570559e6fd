package schemas

// -- Veracode Source Schemas --

// IntegrationInstance describes one configured connection to the scanning
// service. Its ID doubles as the key of the account entity.
type IntegrationInstance struct {
	ID        string `json:"id" mapstructure:"instance_id"`
	AccountID string `json:"accountId" mapstructure:"account_id"`
	Name      string `json:"name" mapstructure:"name"`
}

// Scope returns the persistence scope owned by this instance.
func (i IntegrationInstance) Scope() Scope {
	return Scope{AccountID: i.AccountID, IntegrationInstanceID: i.ID}
}

// CWEReference is an external reference attached to a weakness.
type CWEReference struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// CWEData is the weakness catalog entry embedded in a finding.
type CWEData struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Description       string         `json:"description"`
	References        []CWEReference `json:"references"`
	Recommendation    string         `json:"recommendation"`
	RemediationEffort int            `json:"remediation_effort"`
	Severity          int            `json:"severity"`
}

// FindingLocation locates a finding in the scanned code.
type FindingLocation struct {
	Module         string `json:"module"`
	FileName       string `json:"file_name"`
	FileLineNumber string `json:"file_line_number"`
	FilePath       string `json:"file_path"`
}

// FindingStatus is the per-application status block of a finding. Date fields
// are raw strings; optional ones may be empty.
type FindingStatus struct {
	Status           string          `json:"status"`
	Reopened         bool            `json:"reopened"`
	Resolution       string          `json:"resolution"`
	ResolutionStatus string          `json:"resolution_status"`
	FoundDate        string          `json:"found_date"`
	ResolvedDate     string          `json:"resolved_date,omitempty"`
	ReopenedDate     string          `json:"reopened_date,omitempty"`
	ModifiedDate     string          `json:"modified_date"`
	FindingSource    FindingLocation `json:"finding_source"`
}

// FindingCategory names the vulnerability class a finding belongs to.
type FindingCategory struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// SourceFinding is one finding record as returned by the scanning service.
type SourceFinding struct {
	GUID            string                   `json:"guid"`
	ContextGUID     string                   `json:"context_guid,omitempty"`
	ScanType        string                   `json:"scan_type"`
	CVSS            *float64                 `json:"cvss,omitempty"`
	CWE             CWEData                  `json:"cwe"`
	Description     string                   `json:"description,omitempty"`
	Exploitability  int                      `json:"exploitability"`
	FindingStatus   map[string]FindingStatus `json:"finding_status"`
	FindingCategory FindingCategory          `json:"finding_category"`
	Severity        int                      `json:"severity"`
}

// ApplicationProfile holds the descriptive part of an application.
type ApplicationProfile struct {
	Name string `json:"name"`
}

// SourceApplication is one application profile from the scanning service.
type SourceApplication struct {
	GUID    string             `json:"guid"`
	Profile ApplicationProfile `json:"profile"`
}
