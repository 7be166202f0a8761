package params

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-gateway/backend/pkg/models"
)

func TestFromJSONPreservesOrder(t *testing.T) {
	n := New(0)

	ps, err := n.FromJSON([]byte(`{"zeta": 1, "alpha": "a", "mid": {"x": true}}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"zeta", "alpha", "mid"}, ps.Keys())
	v, _ := ps.Get("zeta")
	assert.Equal(t, 1.0, v)
	v, _ = ps.Get("mid")
	assert.Equal(t, map[string]any{"x": true}, v)
}

func TestFromJSONRejectsMalformed(t *testing.T) {
	n := New(0)

	cases := []string{`{`, `[1,2]`, `"scalar"`, `{"a": }`}
	for _, c := range cases {
		_, err := n.FromJSON([]byte(c))
		require.Error(t, err, c)
		rec := err.(*models.ErrorRecord)
		assert.Equal(t, models.KindMalformedInput, rec.Kind, c)
	}
}

func TestFromJSONEmptyBody(t *testing.T) {
	n := New(0)
	ps, err := n.FromJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, ps.Len())
}

func TestFromJSONSizeLimit(t *testing.T) {
	n := New(64)

	big := `{"text": "` + strings.Repeat("x", 100) + `"}`
	_, err := n.FromJSON([]byte(big))
	require.Error(t, err)
	assert.Equal(t, models.KindInputTooLarge, err.(*models.ErrorRecord).Kind)
}

func TestDenyListRejectsDangerousNames(t *testing.T) {
	n := New(0)

	for _, body := range []string{
		`{"__proto__": 1}`,
		`{"eval": "x"}`,
		`{"outer": {"constructor": 1}}`,
		`{"list": [{"__import__": "os"}]}`,
	} {
		_, err := n.FromJSON([]byte(body))
		require.Error(t, err, body)
		assert.Equal(t, models.KindMalformedInput, err.(*models.ErrorRecord).Kind, body)
	}
}

func TestFromFlags(t *testing.T) {
	n := New(0)

	ps, err := n.FromFlags([]string{"--text", "hi", "--count=3", "flag=true", "--raw", "not json {"})
	require.NoError(t, err)

	assert.Equal(t, []string{"text", "count", "flag", "raw"}, ps.Keys())
	v, _ := ps.Get("text")
	assert.Equal(t, "hi", v)
	v, _ = ps.Get("count")
	assert.Equal(t, 3.0, v)
	v, _ = ps.Get("flag")
	assert.Equal(t, true, v)
	v, _ = ps.Get("raw")
	assert.Equal(t, "not json {", v)
}

func TestFromFlagsErrors(t *testing.T) {
	n := New(0)

	_, err := n.FromFlags([]string{"--dangling"})
	require.Error(t, err)

	_, err = n.FromFlags([]string{"bare-word"})
	require.Error(t, err)

	_, err = n.FromFlags([]string{"--a", "1", "--a", "2"})
	require.Error(t, err)
}

func TestFromArgumentsSortsKeys(t *testing.T) {
	n := New(0)

	ps, err := n.FromArguments(map[string]any{"b": 1.0, "a": 2.0})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ps.Keys())

	_, err = n.FromArguments(map[string]any{"globals": 1})
	require.Error(t, err)
}
