package service

import "strings"

// Display categories, checked in this order. The first keyword contained in
// the action code wins.
var categoryRules = []struct {
	keyword  string
	category string
}{
	{"product", "product_approval"},
	{"purchase", "purchase_order_approval"},
	{"branch", "stock_movement_to_branch"},
	{"shelf", "stock_movement_to_shelf"},
	{"return", "return_request"},
}

// CategoryOther is assigned when no keyword matches.
const CategoryOther = "other"

// CategoryOf classifies an action code for display. It plays no part in
// authorization.
func CategoryOf(actionCode string) string {
	code := strings.ToLower(actionCode)
	for _, r := range categoryRules {
		if strings.Contains(code, r.keyword) {
			return r.category
		}
	}
	return CategoryOther
}
