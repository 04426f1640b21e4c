package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLiteralIsExactMatch(t *testing.T) {
	l := Literals("/profile")

	_, ok := l.Match("/profile")
	assert.True(t, ok)

	for _, v := range []string{"/profile/edit", "/prof", "/PROFILE", ""} {
		_, ok := l.Match(v)
		assert.False(t, ok, "literal must not match %q", v)
	}
}

func TestPatternMatch(t *testing.T) {
	l := List{MustPattern(`\/profile`)}

	hit, ok := l.Match("/user/profile/edit")
	require.True(t, ok)
	assert.True(t, hit.IsPattern())
	assert.Equal(t, `\/profile`, hit.String())

	_, ok = l.Match("/admin")
	assert.False(t, ok)
}

func TestEmptyListNeverMatches(t *testing.T) {
	var l List
	_, ok := l.Match("")
	assert.False(t, ok)
	_, ok = l.Fold().Match("anything")
	assert.False(t, ok)

	var r Ranges
	_, ok = r.Contains("1.2.3.4")
	assert.False(t, ok)
}

func TestFoldIsCaseInsensitive(t *testing.T) {
	l := List{Literal("testme/v1.0"), MustPattern("^curl/")}.Fold()

	_, ok := l.Match("TestME/v1.0")
	assert.True(t, ok)
	_, ok = l.Match("CURL/8.1")
	assert.True(t, ok)

	// the source list keeps its case sensitivity
	_, ok = Literals("get").Match("GET")
	assert.False(t, ok)
}

func TestRanges(t *testing.T) {
	r, err := ParseRanges([]string{"1.2.0.0/16", "10.0.0.7", "2001:db8::/32"})
	require.NoError(t, err)

	cases := map[string]bool{
		"1.2.3.4":          true,
		"1.3.0.1":          false,
		"10.0.0.7":         true,
		"10.0.0.8":         false,
		"2001:db8::1":      true,
		"::ffff:1.2.200.1": true,
		"not-an-ip":        false,
		"":                 false,
	}
	for ip, want := range cases {
		_, got := r.Contains(ip)
		assert.Equal(t, want, got, ip)
	}
}

func TestParseRangesRejectsGarbage(t *testing.T) {
	_, err := ParseRanges([]string{"1.2.3.4/99"})
	assert.Error(t, err)
	_, err = ParseRanges([]string{"nope"})
	assert.Error(t, err)
}

func TestEntryYAML(t *testing.T) {
	src := `
- /login
- pattern: ^/api/
- literal: /exact
`
	var l List
	require.NoError(t, yaml.Unmarshal([]byte(src), &l))
	require.Len(t, l, 3)

	assert.False(t, l[0].IsPattern())
	assert.True(t, l[1].IsPattern())
	assert.False(t, l[2].IsPattern())

	_, ok := l.Match("/api/v1/items")
	assert.True(t, ok)
	_, ok = l.Match("/exact")
	assert.True(t, ok)

	var bad List
	assert.Error(t, yaml.Unmarshal([]byte("- pattern: '('"), &bad))
	assert.Error(t, yaml.Unmarshal([]byte("- {}"), &bad))
}
