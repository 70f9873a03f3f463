package manifest

import (
	"net/url"
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestUnmarshalMixedEntries(t *testing.T) {
	doc := `
- index.html
- url: https://cdn.example.net/lib.js
  crossOrigin: true
`
	var m Manifest
	require.NoError(t, yaml.Unmarshal([]byte(doc), &m))
	assert.Equal(t, Manifest{
		{URL: "index.html"},
		{URL: "https://cdn.example.net/lib.js", CrossOrigin: true},
	}, m)
}

func TestResolveKeepsOrderAndMarksCrossOrigin(t *testing.T) {
	scope := mustParse(t, "https://example.github.io/admin/")
	m := Manifest{
		{URL: "./"},
		{URL: "index.html"},
		{URL: "https://fonts.example.com/css"},
		{URL: "index.html#again"},
	}

	assets, err := m.Resolve(scope)
	require.NoError(t, err)
	require.Len(t, assets, 3)
	assert.Equal(t, "https://example.github.io/admin/", assets[0].URL.String())
	assert.False(t, assets[0].CrossOrigin)
	assert.Equal(t, "https://example.github.io/admin/index.html", assets[1].URL.String())
	assert.False(t, assets[1].CrossOrigin)
	assert.Equal(t, "https://fonts.example.com/css", assets[2].URL.String())
	assert.True(t, assets[2].CrossOrigin)
}

func TestResolveRejectsBadEntries(t *testing.T) {
	scope := mustParse(t, "https://example.com/")

	_, err := Manifest{{URL: "  "}}.Resolve(scope)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))

	_, err = Manifest{{URL: "chrome-extension://abc/x.js"}}.Resolve(scope)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
}

func TestSameOrigin(t *testing.T) {
	assert.True(t, SameOrigin(mustParse(t, "https://a.com/x"), mustParse(t, "https://A.com:443/y")))
	assert.False(t, SameOrigin(mustParse(t, "https://a.com/"), mustParse(t, "http://a.com/")))
	assert.False(t, SameOrigin(mustParse(t, "https://a.com/"), mustParse(t, "https://b.a.com/")))
}
