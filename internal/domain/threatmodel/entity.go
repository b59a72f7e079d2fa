package threatmodel

import (
	"strings"

	"github.com/google/uuid"
)

// Credential keys recognised in AnalysisRequest.APIKeys.
const (
	KeyOpenAI       = "openai_api_key"
	KeyGoogleSearch = "google_api_key"
	KeyGoogleCSE    = "google_cse_id"
)

// AnalysisRequest is the body of a stream request. It is never mutated once decoded.
type AnalysisRequest struct {
	UserInput string            `json:"user_input"`
	APIKeys   map[string]string `json:"api_keys,omitempty"`
}

// HasOverrides reports whether the client sent any per-request credentials.
func (r AnalysisRequest) HasOverrides() bool {
	return len(r.APIKeys) > 0
}

// Relationship value object: an edge between two components of the described system.
type Relationship struct {
	Source      string    `json:"source"`
	Target      string    `json:"target"`
	Direction   Direction `json:"direction"`
	Description string    `json:"description,omitempty"`
}

// String renders the relationship the way prompts and logs refer to it.
func (r Relationship) String() string {
	return strings.TrimSpace(r.Source + " " + string(r.Direction) + " " + r.Target)
}

// ThreatID is opaque and minted by the threat generation stage.
type ThreatID string

// NewThreatID returns the first eight characters of a random UUID.
func NewThreatID() ThreatID {
	return ThreatID(uuid.NewString()[:8])
}

// Threat is one STRIDE finding scoped to a single relationship.
type Threat struct {
	ID            ThreatID       `json:"id"`
	Category      StrideCategory `json:"category"`
	Name          string         `json:"name"`
	Scope         Relationship   `json:"scope"`
	Impacts       string         `json:"impacts"`
	Description   string         `json:"threat"`
	Severity      string         `json:"severity"`
	Likelihood    string         `json:"likelihood"`
	AttackVector  string         `json:"attack_vector,omitempty"`
	Prerequisites string         `json:"prerequisites,omitempty"`
}

// NoMitigationFound is returned as content when research turns up nothing usable.
const NoMitigationFound = "No specific mitigation found."

// Mitigation belongs to exactly one Threat.
type Mitigation struct {
	Content string   `json:"content"`
	Sources []string `json:"sources"`
}

// Extraction is the output of the relationship extraction stage.
type Extraction struct {
	Relationships []Relationship
	// Context is a technical summary of the input, shared read-only with later stages.
	Context string
}
