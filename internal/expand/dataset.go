package expand

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"actionplan/internal/errs"
	"actionplan/internal/placeholder"
)

// Dataset is a set of named record lists.
type Dataset struct {
	Name       string
	categories map[string][]placeholder.Record
	order      []string
}

type nestedDataset struct {
	Data struct {
		Categories []struct {
			Key   string               `json:"category_key"`
			Items []placeholder.Record `json:"items"`
		} `json:"categories"`
	} `json:"data"`
}

// LoadDataset decodes either {"<category>": [records]} or the exported
// {"data": {"categories": [{"category_key", "items"}]}} shape.
func LoadDataset(raw []byte) (*Dataset, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, errs.WrapInput("dataset", err)
	}
	d := &Dataset{Name: "dataset", categories: map[string][]placeholder.Record{}}
	if _, nested := top["data"]; nested {
		var n nestedDataset
		if err := json.Unmarshal(raw, &n); err == nil && len(n.Data.Categories) > 0 {
			for i, c := range n.Data.Categories {
				if strings.TrimSpace(c.Key) == "" {
					return nil, errs.Input("dataset", "categories[%d] has no category_key", i)
				}
				d.add(c.Key, c.Items)
			}
			return d, nil
		}
	}
	keys := make([]string, 0, len(top))
	for k := range top {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var items []placeholder.Record
		if err := json.Unmarshal(top[k], &items); err != nil {
			return nil, errs.Input("dataset", "category %q is not a list of records: %v", k, err)
		}
		d.add(k, items)
	}
	if len(d.order) == 0 {
		return nil, errs.Input("dataset", "dataset has no categories")
	}
	return d, nil
}

// LoadDatasetFile reads a dataset; its file stem becomes the dataset name.
func LoadDatasetFile(path string) (*Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.WrapInput("dataset", err)
	}
	d, err := LoadDataset(raw)
	if err != nil {
		return nil, err
	}
	d.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return d, nil
}

func (d *Dataset) add(key string, items []placeholder.Record) {
	if _, ok := d.categories[key]; !ok {
		d.order = append(d.order, key)
	}
	d.categories[key] = append(d.categories[key], items...)
}

// Categories lists category keys in load order.
func (d *Dataset) Categories() []string { return append([]string(nil), d.order...) }

// Records returns the records of category. An empty category name selects
// the only category of a single-category dataset.
func (d *Dataset) Records(category string) ([]placeholder.Record, error) {
	if d == nil {
		return nil, errs.Input("dataset", "dataset is nil")
	}
	if category == "" {
		if len(d.order) != 1 {
			return nil, errs.Input("dataset", "category required, have %s", strings.Join(d.order, ", "))
		}
		category = d.order[0]
	}
	items, ok := d.categories[category]
	if !ok {
		return nil, errs.Input("dataset", "category %q not found", category)
	}
	return items, nil
}
