package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/config"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

func TestDefaultCatalog(t *testing.T) {
	r := New(DefaultActions)

	a, err := r.Get("1")
	require.NoError(t, err)
	assert.Equal(t, "product_approval", a.Code)
	assert.Equal(t, "inventory", a.Category.Code)

	b, err := r.ByCode("return_request")
	require.NoError(t, err)
	assert.Equal(t, "5", b.ID)

	assert.Len(t, r.List(), len(DefaultActions))
}

func TestRegistry_Resolve(t *testing.T) {
	r := New(DefaultActions)

	tests := []struct {
		ref    string
		wantID string
	}{
		{ref: "2", wantID: "2"},
		{ref: "purchase_order_approval", wantID: "2"},
		{ref: "stock_movement_to_shelf", wantID: "4"},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			a, err := r.Resolve(tt.ref)
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, a.ID)
		})
	}

	_, err := r.Resolve("unknown")
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestRegistry_ListOrder(t *testing.T) {
	r := New(DefaultActions)
	list := r.List()

	for i := 1; i < len(list); i++ {
		prev, cur := list[i-1], list[i]
		assert.True(t, prev.Category.Code < cur.Category.Code ||
			(prev.Category.Code == cur.Category.Code && prev.Label <= cur.Label),
			"%s before %s", prev.Code, cur.Code)
	}
}

func TestFromConfig(t *testing.T) {
	t.Run("empty uses defaults", func(t *testing.T) {
		r := FromConfig(nil)
		_, err := r.ByCode("product_approval")
		assert.NoError(t, err)
	})

	t.Run("override replaces catalog", func(t *testing.T) {
		r := FromConfig([]config.ActionConfig{
			{ID: "10", Code: "asset_disposal", CategoryCode: "assets", CategoryLabel: "Assets"},
		})
		a, err := r.Get("10")
		require.NoError(t, err)
		assert.Equal(t, "asset_disposal", a.Label)
		assert.Equal(t, "Assets", a.Category.Label)

		_, err = r.ByCode("product_approval")
		assert.Error(t, err)
	})
}
