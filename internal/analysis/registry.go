package analysis

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/kiranshivaraju/celljobs/internal/joberr"
)

// Registry resolves job kinds to handlers. It is immutable after construction.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry fails on an empty or duplicate kind.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		kind := h.Kind()
		if kind == "" {
			return nil, fmt.Errorf("register handler: empty kind")
		}
		if _, dup := r.handlers[kind]; dup {
			return nil, fmt.Errorf("register handler: duplicate kind %q", kind)
		}
		r.handlers[kind] = h
	}
	return r, nil
}

// Resolve returns the handler for kind or an unknown_kind error.
func (r *Registry) Resolve(kind string) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, joberr.New(joberr.KindUnknownKind, fmt.Errorf("%w %q", ErrUnknownKind, kind))
	}
	return h, nil
}

// ParseParams resolves kind and decodes raw with its handler.
func (r *Registry) ParseParams(kind string, raw json.RawMessage) (any, error) {
	h, err := r.Resolve(kind)
	if err != nil {
		return nil, err
	}
	return h.Params(raw)
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
