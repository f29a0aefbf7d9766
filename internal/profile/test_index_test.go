package profile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionplan/internal/errs"
)

const searchCatalogue = `{
  "site": {"name": "demo", "base_url": "https://example.com"},
  "pages": [
    {
      "page_id": "search",
      "url_pattern": "/search*",
      "aliases": {
        "search.input":  {"selector": "input#kw",   "role": "文本输入框", "description": "搜索输入框", "confidence": 0.9},
        "search.button": {"selector": "button#su",  "role": "按钮",       "description": "搜索按钮",   "confidence": 0.9},
        "result.label":  {"selector": ".result-label", "role": "文本",    "description": "筑波大学",   "confidence": 0.6},
        "result.logo":   {"selector": "img.logo",   "role": "图片",       "description": "logo",       "confidence": 0.8}
      }
    },
    {
      "id": "detail",
      "aliases": {
        "detail.title": {"selector": "h1.title", "role": "heading", "confidence": 0.7}
      }
    }
  ]
}`

func mustIndex(t *testing.T) *Index {
	t.Helper()
	c, err := DecodeCatalogue([]byte(searchCatalogue))
	require.NoError(t, err)
	idx, err := Load(c)
	require.NoError(t, err)
	return idx
}

func TestLoadAndLookup(t *testing.T) {
	idx := mustIndex(t)
	e, ok := idx.LookupAlias("search.button")
	require.True(t, ok)
	assert.Equal(t, RoleButton, e.Role)
	assert.Equal(t, "search", e.PageID)

	d, ok := idx.LookupAlias("detail.title")
	require.True(t, ok)
	assert.Equal(t, "detail", d.PageID, "legacy id key is accepted")

	_, ok = idx.LookupAlias("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"search", "detail"}, idx.Pages())
}

func TestLoadRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"no pages":        `{"pages": []}`,
		"no page id":      `{"pages": [{"aliases": {"a": {"selector": "x", "confidence": 0.1}}}]}`,
		"empty selector":  `{"pages": [{"page_id": "p", "aliases": {"a": {"selector": "", "confidence": 0.1}}}]}`,
		"bad confidence":  `{"pages": [{"page_id": "p", "aliases": {"a": {"selector": "x", "confidence": 1.5}}}]}`,
		"no aliases":      `{"pages": [{"page_id": "p"}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			c, err := DecodeCatalogue([]byte(raw))
			require.NoError(t, err)
			_, err = Load(c)
			var ie *errs.InputError
			assert.True(t, errors.As(err, &ie), "got %v", err)
		})
	}

	_, err := DecodeCatalogue([]byte(`{"pages": [`))
	var ie *errs.InputError
	assert.True(t, errors.As(err, &ie))
}

func TestSharedAliasAcrossPages(t *testing.T) {
	raw := `{"pages": [
	  {"page_id": "home", "aliases": {"header.search": {"selector": "input#q", "role": "input", "confidence": 0.8}}},
	  {"page_id": "list", "aliases": {
	    "header.search": {"selector": "input#list-q", "role": "input", "confidence": 0.8},
	    "list.item":     {"selector": "li.item", "role": "link", "confidence": 0.5}
	  }}
	]}`
	c, err := DecodeCatalogue([]byte(raw))
	require.NoError(t, err)
	idx, err := Load(c)
	require.NoError(t, err)

	e, ok := idx.LookupAlias("header.search")
	require.True(t, ok)
	assert.Equal(t, "home", e.PageID, "site-wide lookup takes the first page")
	assert.Len(t, idx.PageEntries("list"), 2)

	e, ok = idx.ResolveSelectorOn("list", "header.search")
	require.True(t, ok)
	assert.Equal(t, "list", e.PageID)
	assert.Equal(t, "input#list-q", e.Selector)

	e, ok = idx.ResolveSelectorOn("list", "input#q")
	require.True(t, ok)
	assert.Equal(t, "home", e.PageID, "falls back to site-wide resolution")

	e, ok = idx.ResolveSelectorOn("", "header.search")
	require.True(t, ok)
	assert.Equal(t, "home", e.PageID)
	assert.Contains(t, idx.Summary(), "`header.search` → `input#list-q`")
}

func TestResolveSelector(t *testing.T) {
	idx := mustIndex(t)
	e, ok := idx.ResolveSelector("button#su")
	require.True(t, ok)
	assert.Equal(t, "search.button", e.Alias)

	e, ok = idx.ResolveSelector(`.result-label:has-text("筑波大学")`)
	require.True(t, ok)
	assert.Equal(t, "result.label", e.Alias)

	e, ok = idx.ResolveSelector("search.input")
	require.True(t, ok)
	assert.Equal(t, "input#kw", e.Selector)

	_, ok = idx.ResolveSelector("div.unknown")
	assert.False(t, ok)
}

func TestFindCandidatesRanking(t *testing.T) {
	idx := mustIndex(t)
	got := idx.FindCandidates("search", []string{RoleButton, RoleLink}, []string{"搜索"})
	require.Len(t, got, 1)
	assert.Equal(t, "search.button", got[0].Alias)

	all := idx.FindCandidates("search", nil, []string{"logo"})
	require.Len(t, all, 4)
	assert.Equal(t, "result.logo", all[0].Alias)

	assert.Empty(t, idx.FindCandidates("detail", []string{RoleButton}, nil))
}

func TestMatchPage(t *testing.T) {
	idx := mustIndex(t)
	id, ok := idx.MatchPage("https://example.com/search?q=1")
	require.True(t, ok)
	assert.Equal(t, "search", id)
	_, ok = idx.MatchPage("/other")
	assert.False(t, ok)
}

func TestSummaryShowsRoles(t *testing.T) {
	s := mustIndex(t).Summary()
	assert.Contains(t, s, "role=button/按钮")
	assert.Contains(t, s, "`search.input` → `input#kw`")
	assert.Contains(t, s, "page `detail`")
}

func TestImageDetection(t *testing.T) {
	idx := mustIndex(t)
	e, _ := idx.LookupAlias("result.logo")
	assert.True(t, e.IsImage())
	assert.True(t, IsImageSelector(`.card > img:has-text("x")`))
	assert.False(t, IsImageSelector(".image-title"))
}

func TestLoadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "profile.json")
	require.NoError(t, os.WriteFile(p, []byte(searchCatalogue), 0o644))
	c, idx, err := LoadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "demo", c.Site.Name)
	assert.Equal(t, "https://example.com", idx.Site().BaseURL)
}

func TestTokensAndOverlap(t *testing.T) {
	assert.Equal(t, []string{"搜索", "索按", "按钮"}, Tokens("搜索按钮"))
	assert.Equal(t, []string{"input", "search", "box"}, Tokens("input#Search-Box"))
	assert.Equal(t, []string{"search"}, Tokens("ＳＥＡＲＣＨ"))
	assert.InDelta(t, 2.0/3.0, Overlap("input#search-box", "input#search"), 1e-9)
	assert.Equal(t, 0.0, Overlap("", "a"))
	assert.Equal(t, 1, SharedTokens([]string{"搜索输入框"}, "搜索按钮"))
}

func TestTextQualifier(t *testing.T) {
	base, q := SplitTextQualifier(`h1:has-text("a")`)
	assert.Equal(t, "h1", base)
	assert.Equal(t, `:has-text("a")`, q)
	assert.Equal(t, `:has-text("say \"hi\"")`, TextQualifier(`say "hi"`))
	assert.False(t, HasTextQualifier("h1"))
}
