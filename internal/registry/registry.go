// Package registry holds the catalog of approvable action types.
package registry

import (
	"sort"

	"github.com/pesio-ai/be-plt-approvals/internal/config"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// Category groups actions for display.
type Category struct {
	Code  string `json:"code"`
	Label string `json:"label"`
}

// Action is one approvable business event.
type Action struct {
	ID       string   `json:"id"`
	Code     string   `json:"code"`
	Label    string   `json:"label"`
	Category Category `json:"category"`
}

var (
	catInventory   = Category{Code: "inventory", Label: "Inventory"}
	catProcurement = Category{Code: "procurement", Label: "Procurement"}
	catSales       = Category{Code: "sales", Label: "Sales"}
)

// DefaultActions is the built-in catalog.
var DefaultActions = []Action{
	{ID: "1", Code: "product_approval", Label: "Product approval", Category: catInventory},
	{ID: "2", Code: "purchase_order_approval", Label: "Purchase order approval", Category: catProcurement},
	{ID: "3", Code: "stock_movement_to_branch", Label: "Stock movement to branch", Category: catInventory},
	{ID: "4", Code: "stock_movement_to_shelf", Label: "Stock movement to shelf", Category: catInventory},
	{ID: "5", Code: "return_request", Label: "Return request", Category: catSales},
}

// Registry is a read-only action catalog. It is never mutated after New so
// it is safe for concurrent use.
type Registry struct {
	byID   map[string]Action
	byCode map[string]Action
}

// New builds a registry from actions. Later duplicates of an id or code
// replace earlier ones.
func New(actions []Action) *Registry {
	r := &Registry{
		byID:   make(map[string]Action, len(actions)),
		byCode: make(map[string]Action, len(actions)),
	}
	for _, a := range actions {
		r.byID[a.ID] = a
		r.byCode[a.Code] = a
	}
	return r
}

// FromConfig returns the configured catalog, or DefaultActions when none is
// configured.
func FromConfig(entries []config.ActionConfig) *Registry {
	if len(entries) == 0 {
		return New(DefaultActions)
	}
	actions := make([]Action, 0, len(entries))
	for _, e := range entries {
		label := e.Label
		if label == "" {
			label = e.Code
		}
		actions = append(actions, Action{
			ID:       e.ID,
			Code:     e.Code,
			Label:    label,
			Category: Category{Code: e.CategoryCode, Label: e.CategoryLabel},
		})
	}
	return New(actions)
}

// Get returns the action with the given id.
func (r *Registry) Get(id string) (Action, error) {
	a, ok := r.byID[id]
	if !ok {
		return Action{}, errors.NotFound("workflow_action", id)
	}
	return a, nil
}

// ByCode returns the action with the given code.
func (r *Registry) ByCode(code string) (Action, error) {
	a, ok := r.byCode[code]
	if !ok {
		return Action{}, errors.NotFound("workflow_action", code)
	}
	return a, nil
}

// Resolve accepts either an action id or an action code.
func (r *Registry) Resolve(ref string) (Action, error) {
	if a, err := r.Get(ref); err == nil {
		return a, nil
	}
	return r.ByCode(ref)
}

// List returns all actions ordered by category code, then label.
func (r *Registry) List() []Action {
	out := make([]Action, 0, len(r.byID))
	for _, a := range r.byID {
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Category.Code != out[j].Category.Code {
			return out[i].Category.Code < out[j].Category.Code
		}
		if out[i].Label != out[j].Label {
			return out[i].Label < out[j].Label
		}
		return out[i].ID < out[j].ID
	})
	return out
}
