package contracts

import (
	"time"
)

// Contract is an immutable policy document binding a set of guardrails and
// an envelope to a policy identity. Contracts are authored out-of-band and
// resolved by id at runtime; a new version always gets a new id.
type Contract struct {
	ContractID   string `json:"contract_id,omitempty"` // Preferred field name
	ID           string `json:"id,omitempty"`          // Alternative field name (from registry)
	Name         string `json:"name,omitempty"`
	Industry     string `json:"industry,omitempty"`
	TenantID     string `json:"tenant_id,omitempty"`
	PolicyDigest string `json:"policy_digest"`
	Version      string `json:"version,omitempty"`
	Description  string `json:"description,omitempty"`

	// Enforcement flags. A contract may check either side of the exchange.
	CheckOnRequest  bool `json:"check_on_request"`
	CheckOnResponse bool `json:"check_on_response"`

	// Guardrails referenced by this contract. A reference may point at a
	// composite guardrail whose config carries an AND/OR/NOT tree.
	Guardrails []GuardrailRef `json:"guardrails,omitempty"`

	// Envelope maps metric names to acceptable bounds.
	Envelope Envelope `json:"envelope,omitempty"`

	// Extensions preserves fields this gateway version does not understand.
	Extensions map[string]interface{} `json:"extensions,omitempty"`

	IssuedAt  time.Time      `json:"issued_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	Status    ContractStatus `json:"status"`
}

// GuardrailRef references a guardrail to enforce.
type GuardrailRef struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
}

// Envelope holds metric thresholds applied to extracted metric values.
type Envelope struct {
	Constraints map[string]Bounds `json:"constraints,omitempty"`
}

// Phase names the payload a constraint applies to.
type Phase string

const (
	PhaseInput  Phase = "input"
	PhaseOutput Phase = "output"
	PhaseBoth   Phase = "both"
)

// Bounds defines the acceptable range for a metric. Phase defaults to
// output, which is what contracts without an explicit phase mean.
type Bounds struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Phase Phase   `json:"phase,omitempty"`
}

// AppliesTo reports whether the bounds constrain the given phase.
func (b Bounds) AppliesTo(phase Phase) bool {
	switch b.Phase {
	case PhaseBoth:
		return true
	case PhaseInput:
		return phase == PhaseInput
	case PhaseOutput, "":
		return phase == PhaseOutput
	}
	return false
}

// ContractStatus represents the lifecycle state of a contract.
type ContractStatus string

const (
	StatusDraft   ContractStatus = "draft"
	StatusActive  ContractStatus = "active"
	StatusRevoked ContractStatus = "revoked"
	StatusExpired ContractStatus = "expired"
)

// EffectiveID returns the contract identifier, tolerating both field names
// the registry uses.
func (c *Contract) EffectiveID() string {
	if c.ContractID != "" {
		return c.ContractID
	}
	return c.ID
}

// IsActive reports whether the contract may be enforced right now:
// status=active and the current time inside [issued, expires].
func (c *Contract) IsActive(now time.Time) bool {
	if c.Status != StatusActive {
		return false
	}
	if !c.IssuedAt.IsZero() && now.Before(c.IssuedAt) {
		return false
	}
	return now.Before(c.ExpiresAt)
}

// GuardrailIDs returns the ids of all referenced guardrails.
func (c *Contract) GuardrailIDs() []string {
	ids := make([]string, 0, len(c.Guardrails))
	for _, g := range c.Guardrails {
		if g.ID != "" {
			ids = append(ids, g.ID)
		}
	}
	return ids
}
