package model

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/alfredjeanlab/eventhub/internal/subject"
)

// Contract describes the payload document expected for a family of
// subjects. Family is a wildcard pattern such as "hub.*.project.>".
type Contract struct {
	Family   string   `json:"family" yaml:"family"`
	Version  int      `json:"version" yaml:"version"`
	Required []string `json:"required,omitempty" yaml:"required,omitempty"`
}

type compiledContract struct {
	Contract
	pattern *subject.Pattern
}

// ContractRegistry maps subject families to payload contracts. Families are
// checked in registration order and the first match wins.
type ContractRegistry struct {
	mu        sync.RWMutex
	contracts []compiledContract
}

// NewContractRegistry returns an empty registry. An empty registry accepts
// any JSON object payload at version 0.
func NewContractRegistry() *ContractRegistry {
	return &ContractRegistry{}
}

// Register adds a contract.
func (r *ContractRegistry) Register(c Contract) error {
	p, err := subject.Compile(c.Family)
	if err != nil {
		return fmt.Errorf("contract family: %w", err)
	}
	if c.Version < 1 {
		return fmt.Errorf("contract %q: version must be >= 1", c.Family)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contracts = append(r.contracts, compiledContract{Contract: c, pattern: p})
	return nil
}

// Lookup returns the contract governing subj, if any.
func (r *ContractRegistry) Lookup(subj string) (Contract, bool) {
	if r == nil {
		return Contract{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.contracts {
		if c.pattern.Match(subj) {
			return c.Contract, true
		}
	}
	return Contract{}, false
}

// Check validates payload against the contract for subj and returns the
// payload version to stamp on the event.
func (r *ContractRegistry) Check(subj string, payload json.RawMessage) (int, error) {
	if err := ValidatePayload(payload); err != nil {
		return 0, err
	}
	c, ok := r.Lookup(subj)
	if !ok {
		return 0, nil
	}
	if len(c.Required) == 0 {
		return c.Version, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return 0, NewValidationError("payload", "contains invalid JSON")
	}
	var ve ValidationError
	for _, key := range c.Required {
		if _, ok := doc[key]; !ok {
			ve.Add("payload."+key, "is required by contract %s v%d", c.Family, c.Version)
		}
	}
	if err := ve.Err(); err != nil {
		return 0, err
	}
	return c.Version, nil
}
