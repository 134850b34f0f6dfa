// Package role normalizes raw role strings into role tokens, gates stage
// transitions by role, and resolves actors to roles through a directory.
package role

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/pitabwire/docflow/model"
)

// DefaultAliases maps each canonical role token to the alternative names the
// same role is recorded under in upstream data.
func DefaultAliases() map[string][]string {
	return map[string][]string{
		string(model.RoleOPR):           {"OPR_STAFF", "Office of Primary Responsibility"},
		string(model.RolePCM):           {"Program Control Manager"},
		string(model.RoleAFDPO):         {"AFDPO_PUBLISHER", "Publisher"},
		string(model.RoleActionOfficer): {"AO", "Action Officer"},
		string(model.RoleCoordinator):   {"FRONT_OFFICE", "Front Office"},
		string(model.RoleLegal):         {"LEGAL_REVIEWER", "Legal Review"},
		string(model.RoleLeadership):    {"LEADER", "Leadership Approval"},
		string(model.RoleAdmin):         {"ADMINISTRATOR"},
		string(model.RoleReviewer):      {"SUB_REVIEWER", "TECHNICAL_REVIEWER"},
	}
}

// Normalize trims raw, folds its case, and joins words with underscores so
// that "action officer", "Action-Officer" and "ACTION_OFFICER" compare equal.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	s = cases.Fold().String(s)
	s = strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '\t'
	}), "_")
	return cases.Upper(language.Und).String(s)
}

// Gate resolves raw role strings through a fixed alias table and checks
// them against stage roles. Unknown roles never resolve, so they are never
// admitted. A Gate is immutable after construction.
type Gate struct {
	aliases map[string]model.Role
}

// NewGate builds a Gate from canonical tokens to alias names. Every
// canonical token is also an alias of itself. A nil map yields an empty
// gate that admits nobody.
func NewGate(aliases map[string][]string) *Gate {
	g := &Gate{aliases: make(map[string]model.Role)}
	for canonical, names := range aliases {
		token := model.Role(Normalize(canonical))
		if token == "" {
			continue
		}
		g.aliases[string(token)] = token
		for _, n := range names {
			if k := Normalize(n); k != "" {
				g.aliases[k] = token
			}
		}
	}
	return g
}

// Resolve returns the canonical role token for raw.
func (g *Gate) Resolve(raw string) (model.Role, bool) {
	r, ok := g.aliases[Normalize(raw)]
	return r, ok
}

// Tokens returns every canonical token known to the gate, sorted.
func (g *Gate) Tokens() []model.Role {
	seen := make(map[model.Role]bool)
	for _, r := range g.aliases {
		seen[r] = true
	}
	out := make([]model.Role, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Admits reports whether callerRole resolves to one of allowed.
func (g *Gate) Admits(allowed []string, callerRole string) bool {
	caller, ok := g.Resolve(callerRole)
	if !ok {
		return false
	}
	for _, a := range allowed {
		if r, ok := g.Resolve(a); ok && r == caller {
			return true
		}
	}
	return false
}

// CanAct reports whether callerRole may act on stage.
func (g *Gate) CanAct(stage model.Stage, callerRole string) bool {
	return g.Admits(stage.Roles, callerRole)
}

// Authorize returns a FORBIDDEN error naming the stage, the roles it
// requires, and the caller's resolved role when callerRole may not act on
// stage.
func (g *Gate) Authorize(stage model.Stage, callerRole string) error {
	return g.AuthorizeFor(fmt.Sprintf("stage %q", stage.ID), stage.Roles, callerRole)
}

// AuthorizeFor checks callerRole against an arbitrary allowed list. subject
// names what is being guarded in the error message.
func (g *Gate) AuthorizeFor(subject string, allowed []string, callerRole string) error {
	if g.Admits(allowed, callerRole) {
		return nil
	}
	resolved := model.RoleUnmapped
	if r, ok := g.Resolve(callerRole); ok {
		resolved = r
	}
	required := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if r, ok := g.Resolve(a); ok {
			required = append(required, string(r))
		} else {
			required = append(required, a)
		}
	}
	e := model.NewForbiddenError(fmt.Sprintf(
		"%s requires one of [%s]; caller role %q resolves to %s",
		subject, strings.Join(required, ", "), callerRole, resolved,
	))
	e.Details = []model.FieldError{
		{Field: "role", Code: "REQUIRED_ROLES", Message: strings.Join(required, ",")},
		{Field: "caller_role", Code: "RESOLVED_ROLE", Message: string(resolved)},
	}
	return e
}
