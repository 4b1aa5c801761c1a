package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_Text(t *testing.T) {
	for _, k := range SyncOrder {
		t.Run(k.String(), func(t *testing.T) {
			text, err := k.MarshalText()
			require.NoError(t, err)

			var back Kind
			require.NoError(t, back.UnmarshalText(text))
			assert.Equal(t, k, back)
		})
	}

	_, err := Kind(99).MarshalText()
	assert.Error(t, err)
	var k Kind
	assert.Error(t, k.UnmarshalText([]byte("folder")))
}

func TestEntity_JSONUsesKindName(t *testing.T) {
	data, err := json.Marshal(NewNote("nb-1", "Title", "body"))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "note", raw["kind"])
	assert.Equal(t, "nb-1", raw["parent_local_id"])
	assert.NotContains(t, raw, "BaseHash")
}

func TestNew(t *testing.T) {
	n := NewNote("nb-1", "Title", "body")

	assert.Equal(t, KindNote, n.Kind)
	assert.NotEmpty(t, n.LocalID)
	assert.True(t, n.Dirty)
	assert.True(t, n.IsLocalOnly())
	assert.False(t, n.Updated.IsZero())
	assert.NotEqual(t, n.LocalID, NewNote("nb-1", "Title", "body").LocalID)
}

func TestClone_IsDeep(t *testing.T) {
	e := Entity{
		Kind:        KindNote,
		TagLocalIDs: []string{"a"},
		TagGUIDs:    []string{"g"},
		Attributes:  map[string]string{"author": "x"},
	}
	c := e.Clone()
	c.TagLocalIDs[0] = "b"
	c.TagGUIDs[0] = "h"
	c.Attributes["author"] = "y"

	assert.Equal(t, "a", e.TagLocalIDs[0])
	assert.Equal(t, "g", e.TagGUIDs[0])
	assert.Equal(t, "x", e.Attributes["author"])
}

func TestContentHash(t *testing.T) {
	base := Entity{
		Kind:       KindNote,
		GUID:       "g1",
		USN:        3,
		Name:       "A",
		Content:    "body",
		ParentGUID: "nb",
		TagGUIDs:   []string{"t2", "t1"},
	}

	tests := []struct {
		name   string
		change func(e *Entity)
		equal  bool
	}{
		{name: "metadata only", change: func(e *Entity) { e.USN = 9; e.Dirty = true; e.Attributes = map[string]string{"k": "v"} }, equal: true},
		{name: "tag order", change: func(e *Entity) { e.TagGUIDs = []string{"t1", "t2"} }, equal: true},
		{name: "name", change: func(e *Entity) { e.Name = "B" }},
		{name: "content", change: func(e *Entity) { e.Content = "other" }},
		{name: "parent", change: func(e *Entity) { e.ParentGUID = "nb2" }},
		{name: "tags", change: func(e *Entity) { e.TagGUIDs = []string{"t1"} }},
		{name: "deleted", change: func(e *Entity) { e.Deleted = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := base.Clone()
			tt.change(&other)
			assert.Equal(t, tt.equal, ContentHash(base) == ContentHash(other))
		})
	}
}
