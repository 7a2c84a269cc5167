package celengine

import (
	"testing"

	"github.com/google/cel-go/cel"
	"github.com/stretchr/testify/require"
)

func TestPredicateMatch(t *testing.T) {
	env, err := NewEnv(map[string]*cel.Type{
		"rating":  cel.DoubleType,
		"reviews": cel.IntType,
		"phone":   cel.StringType,
	})
	require.NoError(t, err)

	p, err := Compile(env, `rating >= 4.0 && reviews > 10 && phone != ""`)
	require.NoError(t, err)

	ok, err := p.Match(map[string]any{"rating": 4.5, "reviews": int64(20), "phone": "+91"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = p.Match(map[string]any{"rating": 3.9, "reviews": int64(20), "phone": "+91"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompileRejectsNonBool(t *testing.T) {
	env, err := NewEnv(map[string]*cel.Type{"rating": cel.DoubleType})
	require.NoError(t, err)

	_, err = Compile(env, `rating + 1.0`)
	require.Error(t, err)

	_, err = Compile(env, `unknown > 1`)
	require.Error(t, err)
}

func TestEnvFromAttributes(t *testing.T) {
	attrs := StructToMap(struct {
		Name   string  `json:"name"`
		Rating float64 `json:"rating"`
	}{Name: "Cafe", Rating: 4.2})

	env, err := EnvFromAttributes(attrs)
	require.NoError(t, err)

	p, err := Compile(env, `name.startsWith("Ca") && rating > 4.0`)
	require.NoError(t, err)

	ok, err := p.Match(attrs)
	require.NoError(t, err)
	require.True(t, ok)
}
