package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/foxzi/outreach/internal/campaign"
)

// ErrNoPlan is returned when a tenant has no plan and there is no default
var ErrNoPlan = errors.New("no plan for tenant")

// Plan is a named sending budget
type Plan struct {
	Name   string             `yaml:"name" json:"name"`
	Limits campaign.RateLimit `yaml:",inline" json:"limits"`
}

// PlanSource resolves the plan a tenant is currently on. It is the boundary
// to billing and is consulted on every launch and resume.
type PlanSource interface {
	PlanFor(ctx context.Context, tenantID string) (*Plan, error)
}

// StaticPlans maps tenants to plans from configuration
type StaticPlans struct {
	plans       map[string]Plan
	tenants     map[string]string
	defaultPlan string
}

// NewStaticPlans creates a plan source. Every tenant assignment and the
// default plan (if set) must name a defined plan.
func NewStaticPlans(plans []Plan, tenants map[string]string, defaultPlan string) (*StaticPlans, error) {
	s := &StaticPlans{
		plans:       make(map[string]Plan, len(plans)),
		tenants:     make(map[string]string, len(tenants)),
		defaultPlan: defaultPlan,
	}

	for _, p := range plans {
		if p.Name == "" {
			return nil, fmt.Errorf("plan name is required")
		}
		if _, dup := s.plans[p.Name]; dup {
			return nil, fmt.Errorf("duplicate plan %q", p.Name)
		}
		if p.Limits.RatePerSecond < 0 || p.Limits.Burst < 0 || p.Limits.MaxConcurrency < 0 ||
			p.Limits.MessagesPerHour < 0 || p.Limits.MessagesPerDay < 0 {
			return nil, fmt.Errorf("plan %q: limits must not be negative", p.Name)
		}
		s.plans[p.Name] = p
	}

	if defaultPlan != "" {
		if _, ok := s.plans[defaultPlan]; !ok {
			return nil, fmt.Errorf("default plan %q is not defined", defaultPlan)
		}
	}

	for tenant, plan := range tenants {
		if _, ok := s.plans[plan]; !ok {
			return nil, fmt.Errorf("tenant %s: plan %q is not defined", tenant, plan)
		}
		s.tenants[tenant] = plan
	}

	return s, nil
}

// PlanFor implements PlanSource
func (s *StaticPlans) PlanFor(ctx context.Context, tenantID string) (*Plan, error) {
	name, ok := s.tenants[tenantID]
	if !ok {
		name = s.defaultPlan
	}
	if name == "" {
		return nil, fmt.Errorf("%w %s", ErrNoPlan, tenantID)
	}
	p := s.plans[name]
	return &p, nil
}

// Plans returns all defined plans sorted by name
func (s *StaticPlans) Plans() []Plan {
	result := make([]Plan, 0, len(s.plans))
	for _, p := range s.plans {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Tenants returns the explicit tenant to plan assignments
func (s *StaticPlans) Tenants() map[string]string {
	result := make(map[string]string, len(s.tenants))
	for k, v := range s.tenants {
		result[k] = v
	}
	return result
}
