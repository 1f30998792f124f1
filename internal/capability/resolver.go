package capability

import "parishhub-auth/internal/config"

// Resolver maps a role plus per-account overrides to the ordered set of
// tabs the principal may open. Resolution is pure and recomputed on demand,
// so override changes take effect on the next profile fetch without
// re-login. The role -> default tab table comes from configuration.
type Resolver struct {
	allTabs      []string
	roleDefaults map[string]string
	baseTab      string
}

func NewResolver(cfg config.CapabilityConfig) *Resolver {
	defaults := make(map[string]string, len(cfg.RoleDefaults))
	for role, tab := range cfg.RoleDefaults {
		defaults[role] = tab
	}
	return &Resolver{
		allTabs:      append([]string(nil), cfg.AllTabs...),
		roleDefaults: defaults,
		baseTab:      cfg.BaseTab,
	}
}

// Resolve returns the allowed tabs for a role and override set. Admin
// receives the full universe unconditionally. Every other role receives its
// default tab plus the overrides; an empty override set degrades to the
// default alone, never to no access. Results follow the universe's order
// and override entries outside the universe are dropped.
func (r *Resolver) Resolve(role string, override []string) []string {
	if role == "admin" {
		return append([]string(nil), r.allTabs...)
	}

	allowed := map[string]bool{}

	def, ok := r.roleDefaults[role]
	if !ok || def == "" {
		def = r.baseTab
	}
	allowed[def] = true

	for _, tab := range override {
		allowed[tab] = true
	}

	out := make([]string, 0, len(allowed))
	for _, tab := range r.allTabs {
		if allowed[tab] {
			out = append(out, tab)
		}
	}
	return out
}

// Universe returns the full ordered tab set.
func (r *Resolver) Universe() []string {
	return append([]string(nil), r.allTabs...)
}
