package handle

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestEnsurePrefix(t *testing.T) {
	cases := []struct {
		name   string
		h      string
		prefix string
		want   string
	}{
		{"bare", "bot", "u1:", "u1:bot"},
		{"already qualified", "u1:bot", "u1:", "u1:bot"},
		{"different owner", "u2:bot", "u1:", "u1:u2:bot"},
		{"empty handle", "", "u1:", "u1:"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, EnsurePrefix(tc.h, tc.prefix))
		})
	}
}

func TestStripPrefixInvertsEnsurePrefix(t *testing.T) {
	require.Equal(t, "bot", StripPrefix(EnsurePrefix("bot", "u1:"), "u1:"))
	require.Equal(t, "bot", StripPrefix("bot", "u1:"))
}

func TestOwnerAndLocal(t *testing.T) {
	owner, ok := Owner("u1:bot")
	require.True(t, ok)
	require.Equal(t, "u1", owner)
	require.Equal(t, "bot", Local("u1:bot"))

	_, ok = Owner("u1")
	require.False(t, ok)
	require.Equal(t, "u1", Local("u1"))
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate("u1:bot"))
	require.ErrorIs(t, Validate(""), ErrInvalid)
	require.ErrorIs(t, Validate(":"), ErrInvalid)
	require.ErrorIs(t, Validate("::"), ErrInvalid)
}

func TestNormalizationProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	ident := gen.RegexMatch("[a-z][a-z0-9-]{0,12}")

	properties.Property("result always carries the prefix", prop.ForAll(
		func(h, client string) bool {
			p := Prefix(client)
			got := EnsurePrefix(h, p)
			return len(got) >= len(p) && got[:len(p)] == p
		},
		ident, ident,
	))

	properties.Property("idempotent", prop.ForAll(
		func(h, client string) bool {
			p := Prefix(client)
			once := EnsurePrefix(h, p)
			return EnsurePrefix(once, p) == once
		},
		ident, ident,
	))

	properties.Property("strip after ensure restores unprefixed input", prop.ForAll(
		func(h, client string) bool {
			p := Prefix(client)
			return StripPrefix(EnsurePrefix(h, p), p) == h
		},
		ident, ident,
	))

	properties.TestingRun(t)
}
