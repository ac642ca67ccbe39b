package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ServiceState is what a service remembers across restarts.
type ServiceState struct {
	Address     string   `json:"address,omitempty"`
	PrefixLen   int      `json:"prefix_len,omitempty"`
	Prefixes    []string `json:"prefixes,omitempty"`
	Nameservers []string `json:"nameservers,omitempty"`
	Timeservers []string `json:"timeservers,omitempty"`
	Domains     []string `json:"domains,omitempty"`
}

// SaveService stores st under the service identifier.
func (s *Store) SaveService(ctx context.Context, serviceID string, st *ServiceState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode service %s: %w", serviceID, err)
	}
	return s.Put(ctx, NamespaceServices, serviceID, b)
}

// LoadService returns the saved state of a service, or an empty state if
// none was saved.
func (s *Store) LoadService(ctx context.Context, serviceID string) (*ServiceState, error) {
	st := &ServiceState{}
	b, err := s.Get(ctx, NamespaceServices, serviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, st); err != nil {
		return nil, fmt.Errorf("decode service %s: %w", serviceID, err)
	}
	return st, nil
}
