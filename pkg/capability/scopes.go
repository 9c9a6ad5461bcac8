// Package capability implements scoped capability tokens: grants, scope
// checks, delegation with attenuation, and revocation.
package capability

import "sort"

// Wildcard grants every value on an axis. It is the top of the scope
// lattice: intersecting with it returns the other side unchanged.
const Wildcard = "*"

// DataAccess splits data-resource grants by direction.
type DataAccess struct {
	Read  []string `json:"read,omitempty"`
	Write []string `json:"write,omitempty"`
}

// Scopes is the per-axis grant set carried by a capability token. An empty
// axis grants nothing on that axis.
type Scopes struct {
	Rooms         []string   `json:"rooms,omitempty"`
	Tools         []string   `json:"tools,omitempty"`
	EgressDomains []string   `json:"egress_domains,omitempty"`
	ActionTypes   []string   `json:"action_types,omitempty"`
	DataAccess    DataAccess `json:"data_access"`
}

func (s Scopes) AllowsRoom(room string) bool     { return axisAllows(s.Rooms, room) }
func (s Scopes) AllowsTool(tool string) bool     { return axisAllows(s.Tools, tool) }
func (s Scopes) AllowsDomain(domain string) bool { return axisAllows(s.EgressDomains, domain) }
func (s Scopes) AllowsAction(action string) bool { return axisAllows(s.ActionTypes, action) }
func (s Scopes) AllowsRead(resource string) bool { return axisAllows(s.DataAccess.Read, resource) }
func (s Scopes) AllowsWrite(resource string) bool {
	return axisAllows(s.DataAccess.Write, resource)
}

// RoomRestricted reports whether the rooms axis names specific rooms, in
// which case a check without room context cannot succeed.
func (s Scopes) RoomRestricted() bool {
	rooms := normalizeAxis(s.Rooms)
	return len(rooms) > 0 && rooms[0] != Wildcard
}

// Normalize dedupes and sorts every axis and collapses wildcard axes.
func (s Scopes) Normalize() Scopes {
	return Scopes{
		Rooms:         normalizeAxis(s.Rooms),
		Tools:         normalizeAxis(s.Tools),
		EgressDomains: normalizeAxis(s.EgressDomains),
		ActionTypes:   normalizeAxis(s.ActionTypes),
		DataAccess: DataAccess{
			Read:  normalizeAxis(s.DataAccess.Read),
			Write: normalizeAxis(s.DataAccess.Write),
		},
	}
}

// Covers reports whether s grants everything other grants, axis by axis.
func (s Scopes) Covers(other Scopes) bool {
	return coversAxis(s.Rooms, other.Rooms) &&
		coversAxis(s.Tools, other.Tools) &&
		coversAxis(s.EgressDomains, other.EgressDomains) &&
		coversAxis(s.ActionTypes, other.ActionTypes) &&
		coversAxis(s.DataAccess.Read, other.DataAccess.Read) &&
		coversAxis(s.DataAccess.Write, other.DataAccess.Write)
}

// Intersect attenuates a by b per axis. A delegated token's scopes are the
// intersection of the parent's and the requested set, so a child can never
// exceed its parent.
func Intersect(a, b Scopes) Scopes {
	return Scopes{
		Rooms:         intersectAxis(a.Rooms, b.Rooms),
		Tools:         intersectAxis(a.Tools, b.Tools),
		EgressDomains: intersectAxis(a.EgressDomains, b.EgressDomains),
		ActionTypes:   intersectAxis(a.ActionTypes, b.ActionTypes),
		DataAccess: DataAccess{
			Read:  intersectAxis(a.DataAccess.Read, b.DataAccess.Read),
			Write: intersectAxis(a.DataAccess.Write, b.DataAccess.Write),
		},
	}
}

func axisAllows(axis []string, value string) bool {
	if value == "" {
		return false
	}
	for _, v := range axis {
		if v == Wildcard || v == value {
			return true
		}
	}
	return false
}

func normalizeAxis(vals []string) []string {
	seen := make(map[string]struct{}, len(vals))
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if v == "" {
			continue
		}
		if v == Wildcard {
			return []string{Wildcard}
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func intersectAxis(a, b []string) []string {
	na, nb := normalizeAxis(a), normalizeAxis(b)
	if len(na) > 0 && na[0] == Wildcard {
		return nb
	}
	if len(nb) > 0 && nb[0] == Wildcard {
		return na
	}
	set := make(map[string]struct{}, len(na))
	for _, v := range na {
		set[v] = struct{}{}
	}
	out := []string{}
	for _, v := range nb {
		if _, ok := set[v]; ok {
			out = append(out, v)
		}
	}
	return out
}

func coversAxis(outer, inner []string) bool {
	no, ni := normalizeAxis(outer), normalizeAxis(inner)
	if len(no) > 0 && no[0] == Wildcard {
		return true
	}
	if len(ni) > 0 && ni[0] == Wildcard {
		return false
	}
	set := make(map[string]struct{}, len(no))
	for _, v := range no {
		set[v] = struct{}{}
	}
	for _, v := range ni {
		if _, ok := set[v]; !ok {
			return false
		}
	}
	return true
}
