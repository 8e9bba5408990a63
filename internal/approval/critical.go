package approval

import "github.com/haasonsaas/nightwatch/internal/config"

// CriticalTargets answers whether a (tool family, target id) pair names a
// target the approval gate must never auto-approve, per spec.md §4.4/§6.
type CriticalTargets struct {
	hypervisorLXCIDs map[string]struct{}
	databaseNames    map[string]struct{}
	containerNames   map[string]struct{}
}

// NewCriticalTargets builds the lookup table from config.
func NewCriticalTargets(cfg config.CriticalConfig) *CriticalTargets {
	return &CriticalTargets{
		hypervisorLXCIDs: toSet(cfg.HypervisorLXCIDs),
		databaseNames:    toSet(cfg.DatabaseNames),
		containerNames:   toSet(cfg.ContainerNames),
	}
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

// IsCritical reports whether targetID is listed for the given tool family.
// An unrecognized family is never critical, since only the three families
// with mutate_critical_candidate tools are tracked.
func (c *CriticalTargets) IsCritical(family, targetID string) bool {
	if c == nil {
		return false
	}
	var set map[string]struct{}
	switch family {
	case "hypervisor":
		set = c.hypervisorLXCIDs
	case "database":
		set = c.databaseNames
	case "container":
		set = c.containerNames
	default:
		return false
	}
	_, ok := set[targetID]
	return ok
}
