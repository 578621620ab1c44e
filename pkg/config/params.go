package config

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/fleetsync/pkg/source"
	"gopkg.in/yaml.v3"
)

// ParamsConfig narrows the extraction of one dataset on every run.
type ParamsConfig struct {
	// Filters are equality filters by column. Columns must be allow-listed
	// on the dataset.
	Filters map[string]any `yaml:"filters"`
	// Order is "column" or "column:desc".
	Order string `yaml:"order"`
}

func (c ParamsConfig) params() (source.Params, error) {
	p := source.Params{}
	if len(c.Filters) > 0 {
		p.Filters = make(map[string]any, len(c.Filters))
		for col, v := range c.Filters {
			p.Filters[col] = v
		}
	}
	if c.Order != "" {
		o, err := ParseOrder(c.Order)
		if err != nil {
			return source.Params{}, err
		}
		p.Order = o
	}
	return p, nil
}

// ParseOrder parses "column", "column:asc" or "column:desc".
func ParseOrder(s string) (*source.Order, error) {
	col, dir, _ := strings.Cut(strings.TrimSpace(s), ":")
	if col == "" {
		return nil, fmt.Errorf("invalid order %q: missing column", s)
	}
	switch strings.ToLower(dir) {
	case "", "asc":
		return &source.Order{Column: col}, nil
	case "desc":
		return &source.Order{Column: col, Desc: true}, nil
	}
	return nil, fmt.Errorf("invalid order %q: direction must be asc or desc", s)
}

// RunParams merges the configured per-dataset params with command line
// overrides. Filters are "dataset.column=value" and orders are
// "dataset.column[:desc]". A flag filter replaces a configured filter on the
// same column; a flag order replaces the configured order.
func (c *Config) RunParams(filters, orders []string) (map[string]source.Params, error) {
	out := make(map[string]source.Params, len(c.DatasetParams))
	for name, pc := range c.DatasetParams {
		p, err := pc.params()
		if err != nil {
			return nil, fmt.Errorf("params for %s: %w", name, err)
		}
		out[name] = p
	}

	for _, f := range filters {
		target, raw, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("invalid filter %q: expected dataset.column=value", f)
		}
		name, col, err := c.qualifiedColumn(target)
		if err != nil {
			return nil, fmt.Errorf("invalid filter %q: %w", f, err)
		}
		p := out[name]
		if p.Filters == nil {
			p.Filters = make(map[string]any)
		}
		p.Filters[col] = filterValue(raw)
		out[name] = p
	}

	for _, o := range orders {
		target, dir, _ := strings.Cut(o, ":")
		name, col, err := c.qualifiedColumn(target)
		if err != nil {
			return nil, fmt.Errorf("invalid order %q: %w", o, err)
		}
		spec := col
		if dir != "" {
			spec += ":" + dir
		}
		order, err := ParseOrder(spec)
		if err != nil {
			return nil, err
		}
		p := out[name]
		p.Order = order
		out[name] = p
	}
	return out, nil
}

func (c *Config) qualifiedColumn(s string) (string, string, error) {
	name, col, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || name == "" || col == "" {
		return "", "", fmt.Errorf("expected dataset.column")
	}
	if !c.hasDataset(name) {
		return "", "", fmt.Errorf("unknown dataset %q", name)
	}
	return name, col, nil
}

func (c *Config) hasDataset(name string) bool {
	for _, d := range c.Datasets {
		if d.Name == name {
			return true
		}
	}
	return false
}

// filterValue types a command line value the way YAML would, so that
// "42" binds as an integer and "true" as a boolean. Anything else stays a
// string.
func filterValue(raw string) any {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	switch v.(type) {
	case int, float64, bool, string:
		return v
	}
	return raw
}

func (c *Config) validateParams() error {
	for name, pc := range c.DatasetParams {
		if !c.hasDataset(name) {
			return fmt.Errorf("params for unknown dataset %q", name)
		}
		if _, err := pc.params(); err != nil {
			return fmt.Errorf("params for %s: %w", name, err)
		}
	}
	return nil
}
