package policy

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/halcyonlabs/tradegate/internal/config"
	"github.com/halcyonlabs/tradegate/internal/domain"
)

// ErrNoApprovers is returned when neither the routed roles nor the emergency
// backup yield a single reachable approver. Never swallowed: a request with
// an empty approver set could not be decided by anyone.
var ErrNoApprovers = errors.New("no approvers available for request")

// AvailabilityChecker reports whether an approver is currently reachable
// (on-call, not suspended). The default considers everyone available.
type AvailabilityChecker interface {
	Available(approverID string) bool
}

type alwaysAvailable struct{}

func (alwaysAvailable) Available(string) bool { return true }

// Selection is the approver routing result for a trigger set.
type Selection struct {
	Approvers     []string // Deduplicated, order-preserving.
	VetoApprovers []string // Subset of Approvers holding veto authority.
	UsedEmergency bool
}

// Selector maps fired triggers to the approver set that must review the
// request. Routing is a configuration table (trigger type to role set), so
// new trigger types are additive rather than new code branches.
type Selector struct {
	cfg          *config.PolicyConfig
	availability AvailabilityChecker
	logger       *slog.Logger
}

// NewSelector creates a Selector. A nil availability checker treats every
// approver as reachable.
func NewSelector(cfg *config.PolicyConfig, availability AvailabilityChecker, logger *slog.Logger) *Selector {
	if availability == nil {
		availability = alwaysAvailable{}
	}
	return &Selector{cfg: cfg, availability: availability, logger: logger}
}

// Select resolves the trigger set into a deduplicated approver set of at
// least MinApprovers. When no routed approver is reachable it falls back to
// the emergency backup set; an empty backup is a loud failure, never an
// empty result.
func (s *Selector) Select(triggers []domain.Trigger) (*Selection, error) {
	seen := make(map[string]bool)
	var approvers []string

	addMembers := func(role string) {
		for _, id := range s.cfg.RoleMembers[role] {
			if seen[id] || !s.availability.Available(id) {
				continue
			}
			seen[id] = true
			approvers = append(approvers, id)
		}
	}

	for _, t := range triggers {
		for _, role := range s.cfg.TriggerRoles[string(t.Type)] {
			addMembers(role)
		}
	}

	sel := &Selection{}

	// Pad from the emergency backup when routing comes up short.
	if len(approvers) < s.cfg.MinApprovers {
		if len(approvers) == 0 {
			sel.UsedEmergency = true
		}
		for _, id := range s.cfg.EmergencyApprovers {
			if len(approvers) >= s.cfg.MinApprovers {
				break
			}
			if seen[id] || !s.availability.Available(id) {
				continue
			}
			seen[id] = true
			approvers = append(approvers, id)
		}
	}

	if len(approvers) == 0 {
		return nil, fmt.Errorf("%w: %d trigger(s), emergency backup empty or unreachable", ErrNoApprovers, len(triggers))
	}

	sel.Approvers = approvers
	sel.VetoApprovers = s.VetoAmong(approvers)

	if sel.UsedEmergency && s.logger != nil {
		s.logger.Warn("approver routing fell back to emergency backup",
			slog.Int("triggers", len(triggers)),
			slog.Int("approvers", len(approvers)),
		)
	}
	return sel, nil
}

// EmergencySelection returns the emergency backup set directly, used by the
// monitor's escalate_to_emergency timeout policy.
func (s *Selector) EmergencySelection() (*Selection, error) {
	var approvers []string
	seen := make(map[string]bool)
	for _, id := range s.cfg.EmergencyApprovers {
		if seen[id] || !s.availability.Available(id) {
			continue
		}
		seen[id] = true
		approvers = append(approvers, id)
	}
	if len(approvers) == 0 {
		return nil, fmt.Errorf("%w: emergency backup empty or unreachable", ErrNoApprovers)
	}
	return &Selection{
		Approvers:     approvers,
		VetoApprovers: s.VetoAmong(approvers),
		UsedEmergency: true,
	}, nil
}

// ResolveRoles expands role names into reachable member IDs, deduplicated.
// Used to build escalation path levels from configuration.
func (s *Selector) ResolveRoles(roles []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, role := range roles {
		for _, id := range s.cfg.RoleMembers[role] {
			if seen[id] || !s.availability.Available(id) {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// VetoAmong returns the members of veto roles present in the approver set.
func (s *Selector) VetoAmong(approvers []string) []string {
	vetoIDs := make(map[string]bool)
	for _, role := range s.cfg.VetoRoles {
		for _, id := range s.cfg.RoleMembers[role] {
			vetoIDs[id] = true
		}
	}
	var out []string
	for _, id := range approvers {
		if vetoIDs[id] {
			out = append(out, id)
		}
	}
	return out
}
