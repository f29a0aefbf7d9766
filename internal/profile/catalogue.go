package profile

import (
	"encoding/json"
	"os"

	"actionplan/internal/errs"
)

// Catalogue is the element-locator document produced by the profile builder.
type Catalogue struct {
	Site  Site   `json:"site"`
	Pages []Page `json:"pages"`
}

type Site struct {
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
}

type Page struct {
	PageID     string           `json:"page_id"`
	URLPattern string           `json:"url_pattern,omitempty"`
	Aliases    map[string]Alias `json:"aliases"`
}

// Alias describes one addressable element.
type Alias struct {
	Selector    string  `json:"selector"`
	Role        string  `json:"role"`
	Description string  `json:"description,omitempty"`
	Confidence  float64 `json:"confidence"`
}

// UnmarshalJSON accepts the legacy "id" and "pageId" keys for page_id.
func (p *Page) UnmarshalJSON(b []byte) error {
	var raw struct {
		PageID     string           `json:"page_id"`
		ID         string           `json:"id"`
		CamelID    string           `json:"pageId"`
		URLPattern string           `json:"url_pattern"`
		Aliases    map[string]Alias `json:"aliases"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	p.PageID = firstNonEmpty(raw.PageID, raw.ID, raw.CamelID)
	p.URLPattern = raw.URLPattern
	p.Aliases = raw.Aliases
	return nil
}

// DecodeCatalogue parses catalogue JSON.
func DecodeCatalogue(raw []byte) (*Catalogue, error) {
	var c Catalogue
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, errs.WrapInput("catalogue", err)
	}
	return &c, nil
}

// LoadFile reads and indexes a catalogue file.
func LoadFile(path string) (*Catalogue, *Index, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errs.WrapInput("catalogue", err)
	}
	c, err := DecodeCatalogue(raw)
	if err != nil {
		return nil, nil, err
	}
	idx, err := Load(c)
	if err != nil {
		return nil, nil, err
	}
	return c, idx, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
