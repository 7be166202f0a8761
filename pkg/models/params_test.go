package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParameterSetOrderAndLookup(t *testing.T) {
	ps := NewParameterSet(
		[]string{"b", "a", "b"},
		map[string]any{"a": 1.0, "b": "two"},
	)

	assert.Equal(t, []string{"b", "a"}, ps.Keys(), "duplicates keep first occurrence")
	assert.Equal(t, 2, ps.Len())

	v, ok := ps.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	_, ok = ps.Get("missing")
	assert.False(t, ok)
}

func TestParameterSetMergeUnder(t *testing.T) {
	ps := NewParameterSet([]string{"text"}, map[string]any{"text": "explicit"})

	merged := ps.MergeUnder(map[string]any{
		"text": "from-session",
		"zeta": true,
		"beta": 2.0,
	})

	// Explicit values always win; base keys append in sorted order.
	v, _ := merged.Get("text")
	assert.Equal(t, "explicit", v)
	assert.Equal(t, []string{"text", "beta", "zeta"}, merged.Keys())

	// The original set is untouched.
	assert.Equal(t, []string{"text"}, ps.Keys())
}

func TestParameterSetWithDefaults(t *testing.T) {
	ps := NewParameterSet([]string{"text"}, map[string]any{"text": "hi"})

	out := ps.WithDefaults([]ParameterSpec{
		{Name: "text", Type: "string", Default: "unused"},
		{Name: "limit", Type: "number", Default: 10.0},
		{Name: "nodefault", Type: "string"},
	})

	v, _ := out.Get("text")
	assert.Equal(t, "hi", v)
	v, _ = out.Get("limit")
	assert.Equal(t, 10.0, v)
	_, ok := out.Get("nodefault")
	assert.False(t, ok)
}

func TestParameterSetCanonicalJSON(t *testing.T) {
	a := NewParameterSet([]string{"x", "y"}, map[string]any{"x": 1.0, "y": map[string]any{"b": 1.0, "a": 2.0}})
	b := NewParameterSet([]string{"x", "y"}, map[string]any{"x": 1.0, "y": map[string]any{"a": 2.0, "b": 1.0}})

	assert.Equal(t, string(a.CanonicalJSON()), string(b.CanonicalJSON()))
	assert.JSONEq(t, `{"x":1,"y":{"a":2,"b":1}}`, string(a.CanonicalJSON()))

	// Top-level order is preserved, so differently ordered sets differ.
	c := NewParameterSet([]string{"y", "x"}, map[string]any{"x": 1.0, "y": 2.0})
	d := NewParameterSet([]string{"x", "y"}, map[string]any{"x": 1.0, "y": 2.0})
	assert.NotEqual(t, string(c.CanonicalJSON()), string(d.CanonicalJSON()))
}

func TestWorkflowHandleVisibility(t *testing.T) {
	open := &WorkflowHandle{Name: "open"}
	assert.True(t, open.VisibleTo(ChannelAPI))
	assert.True(t, open.VisibleTo(ChannelCLI))

	restricted := &WorkflowHandle{Name: "restricted", Visibility: []Channel{ChannelAPI}}
	assert.True(t, restricted.VisibleTo(ChannelAPI))
	assert.False(t, restricted.VisibleTo(ChannelTool))
}
