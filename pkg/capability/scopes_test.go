package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeCollapsesWildcardAndDuplicates(t *testing.T) {
	s := Scopes{
		Rooms:       []string{"room-2", "room-1", "room-2", ""},
		Tools:       []string{"search", Wildcard, "browser"},
		ActionTypes: []string{"external.write"},
	}.Normalize()

	assert.Equal(t, []string{"room-1", "room-2"}, s.Rooms)
	assert.Equal(t, []string{Wildcard}, s.Tools)
	assert.Equal(t, []string{"external.write"}, s.ActionTypes)
	assert.Empty(t, s.EgressDomains)
}

func TestIntersectAxis(t *testing.T) {
	cases := []struct {
		name string
		a, b []string
		want []string
	}{
		{"wildcard left keeps right", []string{Wildcard}, []string{"a", "b"}, []string{"a", "b"}},
		{"wildcard right keeps left", []string{"a"}, []string{Wildcard}, []string{"a"}},
		{"both wildcard", []string{Wildcard}, []string{Wildcard}, []string{Wildcard}},
		{"overlap", []string{"a", "b", "c"}, []string{"b", "c", "d"}, []string{"b", "c"}},
		{"disjoint", []string{"a"}, []string{"b"}, []string{}},
		{"empty side", []string{"a"}, nil, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, intersectAxis(tc.a, tc.b))
		})
	}
}

func TestIntersectAttenuatesEveryAxis(t *testing.T) {
	parent := Scopes{
		Rooms:         []string{Wildcard},
		Tools:         []string{"search", "browser"},
		EgressDomains: []string{"api.example.com"},
		ActionTypes:   []string{"external.write", "tool.call"},
		DataAccess:    DataAccess{Read: []string{Wildcard}, Write: []string{"crm"}},
	}
	requested := Scopes{
		Rooms:         []string{"room-1"},
		Tools:         []string{"search", "shell"},
		EgressDomains: []string{Wildcard},
		ActionTypes:   []string{"tool.call"},
		DataAccess:    DataAccess{Read: []string{"crm", "docs"}, Write: []string{Wildcard}},
	}

	child := Intersect(parent, requested)
	assert.Equal(t, []string{"room-1"}, child.Rooms)
	assert.Equal(t, []string{"search"}, child.Tools)
	assert.Equal(t, []string{"api.example.com"}, child.EgressDomains)
	assert.Equal(t, []string{"tool.call"}, child.ActionTypes)
	assert.Equal(t, []string{"crm", "docs"}, child.DataAccess.Read)
	assert.Equal(t, []string{"crm"}, child.DataAccess.Write)
	assert.True(t, parent.Covers(child))
}

func TestCovers(t *testing.T) {
	wide := Scopes{Rooms: []string{Wildcard}, Tools: []string{"a", "b"}}
	narrow := Scopes{Rooms: []string{"room-1"}, Tools: []string{"a"}}

	assert.True(t, wide.Covers(narrow))
	assert.False(t, narrow.Covers(wide))
	assert.True(t, wide.Covers(wide))
}

func TestAxisAllows(t *testing.T) {
	s := Scopes{
		Rooms:      []string{"room-1"},
		Tools:      []string{Wildcard},
		DataAccess: DataAccess{Read: []string{"crm"}},
	}

	assert.True(t, s.AllowsRoom("room-1"))
	assert.False(t, s.AllowsRoom("room-2"))
	assert.True(t, s.AllowsTool("anything"))
	assert.True(t, s.AllowsRead("crm"))
	assert.False(t, s.AllowsWrite("crm"))
	assert.False(t, s.AllowsDomain("api.example.com"))
	assert.False(t, s.AllowsRoom(""))
}

func TestRoomRestricted(t *testing.T) {
	assert.True(t, Scopes{Rooms: []string{"room-1"}}.RoomRestricted())
	assert.False(t, Scopes{Rooms: []string{Wildcard}}.RoomRestricted())
	assert.False(t, Scopes{}.RoomRestricted())
}
