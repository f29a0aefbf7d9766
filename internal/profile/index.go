package profile

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"actionplan/internal/errs"
)

// Normalised roles.
const (
	RoleButton  = "button"
	RoleLink    = "link"
	RoleText    = "text"
	RoleHeading = "heading"
	RoleLabel   = "label"
	RoleInput   = "input"
	RoleImage   = "image"
	RoleOther   = "other"
)

// roleSynonyms maps catalogue role spellings onto normalised roles. Catalogues
// written by the annotator use Chinese role names.
var roleSynonyms = map[string]string{
	"button": RoleButton, "btn": RoleButton, "按钮": RoleButton, "submit": RoleButton,
	"link": RoleLink, "a": RoleLink, "链接": RoleLink, "超链接": RoleLink,
	"text": RoleText, "文本": RoleText, "文字": RoleText, "paragraph": RoleText,
	"heading": RoleHeading, "title": RoleHeading, "标题": RoleHeading,
	"label": RoleLabel, "标签": RoleLabel,
	"input": RoleInput, "textbox": RoleInput, "searchbox": RoleInput, "combobox": RoleInput,
	"textarea": RoleInput, "文本输入框": RoleInput, "输入框": RoleInput, "搜索框": RoleInput,
	"image": RoleImage, "img": RoleImage, "图片": RoleImage, "图像": RoleImage,
}

// NormalizeRole maps a raw catalogue role onto one of the Role* constants.
func NormalizeRole(raw string) string {
	key := strings.TrimSpace(Fold(raw))
	if r, ok := roleSynonyms[key]; ok {
		return r
	}
	return RoleOther
}

// Entry is one indexed alias.
type Entry struct {
	Alias       string
	PageID      string
	Selector    string
	Role        string // normalised
	RawRole     string
	Description string
	Confidence  float64
}

// IsImage reports whether the entry addresses an <img>-like element.
func (e Entry) IsImage() bool {
	return e.Role == RoleImage || IsImageSelector(e.Selector)
}

// IsImageSelector reports whether the last compound of selector targets an img tag.
func IsImageSelector(selector string) bool {
	base, _ := SplitTextQualifier(selector)
	fields := strings.Fields(strings.ReplaceAll(base, ">", " "))
	if len(fields) == 0 {
		return false
	}
	last := strings.ToLower(fields[len(fields)-1])
	return last == "img" || strings.HasPrefix(last, "img.") || strings.HasPrefix(last, "img#") ||
		strings.HasPrefix(last, "img[") || strings.HasPrefix(last, "img:")
}

// lookup maps alias names and canonical selectors to entries.
type lookup struct {
	byAlias    map[string]Entry
	bySelector map[string]Entry
}

func newLookup() lookup {
	return lookup{byAlias: map[string]Entry{}, bySelector: map[string]Entry{}}
}

// add keeps the first entry registered under a name or selector.
func (l lookup) add(e Entry) {
	if _, taken := l.byAlias[e.Alias]; !taken {
		l.byAlias[e.Alias] = e
	}
	if _, taken := l.bySelector[e.Selector]; !taken {
		l.bySelector[e.Selector] = e
	}
}

func (l lookup) resolve(selector string) (Entry, bool) {
	s := strings.TrimSpace(selector)
	if e, ok := l.byAlias[s]; ok {
		return e, true
	}
	if e, ok := l.bySelector[s]; ok {
		return e, true
	}
	base, q := SplitTextQualifier(s)
	if q == "" {
		return Entry{}, false
	}
	base = strings.TrimSpace(base)
	if e, ok := l.byAlias[base]; ok {
		return e, true
	}
	e, ok := l.bySelector[base]
	return e, ok
}

// Index is a read-only view over a catalogue. An alias name may be shared
// by several pages (a header search box, say); site-wide lookups resolve it
// to the first page that defines it.
type Index struct {
	site      Site
	pageOrder []string
	patterns  map[string]string
	global    lookup
	pages     map[string]lookup
	byPage    map[string][]Entry
}

// Load validates and indexes a catalogue.
func Load(c *Catalogue) (*Index, error) {
	if c == nil {
		return nil, errs.Input("catalogue", "catalogue is nil")
	}
	if len(c.Pages) == 0 {
		return nil, errs.Input("catalogue", "catalogue must contain a non-empty pages array")
	}
	idx := &Index{
		site:     c.Site,
		patterns: map[string]string{},
		global:   newLookup(),
		pages:    map[string]lookup{},
		byPage:   map[string][]Entry{},
	}
	for i, p := range c.Pages {
		if strings.TrimSpace(p.PageID) == "" {
			return nil, errs.Input("catalogue", "pages[%d] has no page_id", i)
		}
		if _, dup := idx.patterns[p.PageID]; dup {
			return nil, errs.Input("catalogue", "duplicate page_id %q", p.PageID)
		}
		idx.pageOrder = append(idx.pageOrder, p.PageID)
		idx.patterns[p.PageID] = p.URLPattern
		local := newLookup()
		idx.pages[p.PageID] = local

		names := make([]string, 0, len(p.Aliases))
		for name := range p.Aliases {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			a := p.Aliases[name]
			if strings.TrimSpace(a.Selector) == "" {
				return nil, errs.Input("catalogue", "alias %q on page %q has no selector", name, p.PageID)
			}
			if a.Confidence < 0 || a.Confidence > 1 {
				return nil, errs.Input("catalogue", "alias %q confidence %v outside [0,1]", name, a.Confidence)
			}
			e := Entry{
				Alias:       name,
				PageID:      p.PageID,
				Selector:    a.Selector,
				Role:        NormalizeRole(a.Role),
				RawRole:     a.Role,
				Description: a.Description,
				Confidence:  a.Confidence,
			}
			idx.global.add(e)
			local.add(e)
			idx.byPage[p.PageID] = append(idx.byPage[p.PageID], e)
		}
	}
	if len(idx.global.byAlias) == 0 {
		return nil, errs.Input("catalogue", "catalogue does not contain usable aliases")
	}
	return idx, nil
}

// Site returns the catalogue's site block.
func (x *Index) Site() Site { return x.site }

// Pages returns page ids in catalogue order.
func (x *Index) Pages() []string { return append([]string(nil), x.pageOrder...) }

// PageEntries returns the aliases of one page sorted by alias.
func (x *Index) PageEntries(pageID string) []Entry {
	return append([]Entry(nil), x.byPage[pageID]...)
}

// LookupAlias finds an alias by name.
func (x *Index) LookupAlias(alias string) (Entry, bool) {
	e, ok := x.global.byAlias[alias]
	return e, ok
}

// ResolveSelector resolves either an alias name or a canonical selector. A
// trailing text qualifier is ignored.
func (x *Index) ResolveSelector(selector string) (Entry, bool) {
	return x.global.resolve(selector)
}

// ResolveSelectorOn prefers pageID's own aliases and falls back to the
// site-wide resolution.
func (x *Index) ResolveSelectorOn(pageID, selector string) (Entry, bool) {
	if l, ok := x.pages[pageID]; ok {
		if e, ok := l.resolve(selector); ok {
			return e, true
		}
	}
	return x.global.resolve(selector)
}

// MatchPage finds the page whose url_pattern matches rawURL. Patterns are
// path globs ("/search*") or absolute URLs.
func (x *Index) MatchPage(rawURL string) (string, bool) {
	target := urlPath(rawURL)
	for _, id := range x.pageOrder {
		pat := strings.TrimSpace(x.patterns[id])
		if pat == "" {
			continue
		}
		p := urlPath(pat)
		if ok, _ := path.Match(p, target); ok {
			return id, true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(target, strings.TrimSuffix(p, "*")) {
			return id, true
		}
	}
	return "", false
}

func urlPath(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Path == "" {
		if raw == "" {
			return "/"
		}
		return raw
	}
	return u.Path
}

// FindCandidates returns the entries of pageID whose role is in roles,
// ranked by keyword hits, then confidence, then alias name. An empty role
// set accepts every role.
func (x *Index) FindCandidates(pageID string, roles []string, keywords []string) []Entry {
	accept := map[string]bool{}
	for _, r := range roles {
		accept[NormalizeRole(r)] = true
		accept[r] = true
	}
	type ranked struct {
		e    Entry
		hits int
	}
	var list []ranked
	for _, e := range x.byPage[pageID] {
		if len(roles) > 0 && !accept[e.Role] {
			continue
		}
		list = append(list, ranked{e: e, hits: SharedTokens(keywords, e.Alias+" "+e.Description)})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].hits != list[j].hits {
			return list[i].hits > list[j].hits
		}
		if list[i].e.Confidence != list[j].e.Confidence {
			return list[i].e.Confidence > list[j].e.Confidence
		}
		return list[i].e.Alias < list[j].e.Alias
	})
	out := make([]Entry, len(list))
	for i, r := range list {
		out[i] = r.e
	}
	return out
}

// Summary renders the catalogue for a generation prompt, one line per alias
// with its role made explicit.
func (x *Index) Summary() string {
	var b strings.Builder
	b.WriteString("Site profile")
	if x.site.Name != "" {
		fmt.Fprintf(&b, " (%s)", x.site.Name)
	}
	b.WriteString(":\n")
	for _, id := range x.pageOrder {
		fmt.Fprintf(&b, "page `%s`", id)
		if p := x.patterns[id]; p != "" {
			fmt.Fprintf(&b, " (url: %s)", p)
		}
		b.WriteString(":\n")
		for _, e := range x.byPage[id] {
			desc := e.Description
			if desc == "" {
				desc = "no description"
			}
			role := e.Role
			if e.RawRole != "" && NormalizeRole(e.RawRole) != e.RawRole {
				role = fmt.Sprintf("%s/%s", e.Role, e.RawRole)
			}
			fmt.Fprintf(&b, "- `%s` → `%s` [role=%s, confidence=%.2f] %s\n", e.Alias, e.Selector, role, e.Confidence, desc)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
