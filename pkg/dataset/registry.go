package dataset

import "fmt"

// Registry holds validated descriptors in configuration order.
type Registry struct {
	order  []string
	byName map[string]*Descriptor
}

func NewRegistry(descs []Descriptor) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Descriptor, len(descs))}
	for i := range descs {
		d := descs[i]
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, ok := r.byName[d.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate dataset %q", ErrInvalidDescriptor, d.Name)
		}
		r.order = append(r.order, d.Name)
		r.byName[d.Name] = &d
	}
	return r, nil
}

func (r *Registry) Get(name string) (*Descriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDataset, name)
	}
	return d, nil
}

func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Select resolves names to descriptors; an empty list selects every dataset.
func (r *Registry) Select(names []string) ([]*Descriptor, error) {
	if len(names) == 0 {
		names = r.order
	}
	out := make([]*Descriptor, 0, len(names))
	for _, n := range names {
		d, err := r.Get(n)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
