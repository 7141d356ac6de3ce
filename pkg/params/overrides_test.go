package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qua-platform/qualibrate-console/pkg/graph"
)

func catalog() map[string]graph.Parameter {
	return map[string]graph.Parameter{
		"num_averages": {Type: graph.ParamInteger, Default: float64(100)},
		"span":         {Type: graph.ParamNumber, Default: 15.5},
		"simulate":     {Type: graph.ParamBoolean, Default: false},
		"qubits":       {Type: "array", Default: []any{"q1", "q2"}},
		"label":        {Type: graph.ParamString, Default: "run"},
	}
}

func TestPathKey(t *testing.T) {
	a := Path{Workflow: "wf", Crumbs: []graph.NodeKey{"loop"}, Node: "rabi"}
	b := Path{Workflow: "wf", Node: "rabi"}
	c := Path{Workflow: "wf", Crumbs: []graph.NodeKey{"loop", "rabi"}}

	assert.NotEqual(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
	assert.Equal(t, "wf/loop#rabi", a.Key())
}

func TestEffective_RoundTrip(t *testing.T) {
	o := NewOverrides()
	cat := catalog()
	path := Path{Workflow: "wf", Crumbs: []graph.NodeKey{"loop"}, Node: "rabi"}

	before, ok := o.Effective(path, cat, "qubits")
	require.True(t, ok)

	o.Set(path, "qubits", "q3")
	got, ok := o.Effective(path, cat, "qubits")
	require.True(t, ok)
	assert.Equal(t, "q3", got)

	// Other nodes are unaffected.
	other := Path{Workflow: "wf", Node: "rabi"}
	got, _ = o.Effective(other, cat, "qubits")
	assert.Equal(t, before, got)

	o.Clear(path, "qubits")
	after, ok := o.Effective(path, cat, "qubits")
	require.True(t, ok)
	assert.Equal(t, before, after)
	// The catalog value itself is returned, not a copy.
	assert.Same(t, &before.([]any)[0], &after.([]any)[0])
	assert.Equal(t, []any{"q1", "q2"}, cat["qubits"].Default)
}

func TestEffective_Unknown(t *testing.T) {
	o := NewOverrides()
	_, ok := o.Effective(Path{Node: "n"}, catalog(), "missing")
	assert.False(t, ok)

	o.Set(Path{Node: "n"}, "missing", 1)
	v, ok := o.Effective(Path{Node: "n"}, catalog(), "missing")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestToggle(t *testing.T) {
	o := NewOverrides()
	cat := catalog()
	path := Path{Node: "rabi"}

	v, err := o.Toggle(path, cat, "simulate")
	require.NoError(t, err)
	assert.True(t, v)

	v, err = o.Toggle(path, cat, "simulate")
	require.NoError(t, err)
	assert.False(t, v)

	_, err = o.Toggle(path, cat, "span")
	assert.Error(t, err)
	_, err = o.Toggle(path, cat, "missing")
	assert.Error(t, err)

	assert.Equal(t, false, cat["simulate"].Default)
}

func TestClearNodeAndOverridden(t *testing.T) {
	o := NewOverrides()
	path := Path{Node: "rabi"}
	o.Set(path, "span", "3")
	o.Set(path, "label", "x")

	assert.Equal(t, []string{"label", "span"}, o.Overridden(path))
	o.ClearNode(path)
	assert.Empty(t, o.Overridden(path))

	o.Set(path, "span", "3")
	o.Reset()
	_, ok := o.Lookup(path, "span")
	assert.False(t, ok)
}

func TestSubmission(t *testing.T) {
	o := NewOverrides()
	cat := catalog()
	path := Path{Node: "rabi"}

	o.Set(path, "num_averages", " 250 ")
	o.Set(path, "span", "abc")
	o.Set(path, "simulate", "true")

	got := o.Submission(path, cat)
	assert.Equal(t, int64(250), got["num_averages"])
	assert.Equal(t, "abc", got["span"], "failed coercion passes the raw value through")
	assert.Equal(t, true, got["simulate"])
	assert.Equal(t, []any{"q1", "q2"}, got["qubits"])
	assert.Equal(t, "run", got["label"])
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		typ  string
		in   any
		want any
	}{
		{graph.ParamInteger, "42", int64(42)},
		{graph.ParamInteger, "4.2", "4.2"},
		{graph.ParamNumber, "4.2", 4.2},
		{graph.ParamNumber, 7.0, 7.0},
		{graph.ParamBoolean, "false", false},
		{graph.ParamBoolean, "maybe", "maybe"},
		{graph.ParamString, "12", "12"},
		{"array", "q1", "q1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Coerce(tt.typ, tt.in), "Coerce(%s, %v)", tt.typ, tt.in)
	}
}
