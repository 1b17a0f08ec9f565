package core

import (
	"testing"

	"github.com/shopspring/decimal"
)

func line(productID int, qty int64) CartLine {
	return CartLine{ProductID: productID, Quantity: decimal.NewFromInt(qty), UnitPrice: decimal.NewFromInt(2)}
}

func TestIsNonDestructiveEdit(t *testing.T) {
	tests := []struct {
		name    string
		oldCart []CartLine
		newCart []CartLine
		want    bool
	}{
		{
			name:    "adding a new product",
			oldCart: []CartLine{line(1, 2)},
			newCart: []CartLine{line(1, 2), line(2, 1)},
			want:    true,
		},
		{
			name:    "increasing a quantity",
			oldCart: []CartLine{line(1, 2)},
			newCart: []CartLine{line(1, 3)},
			want:    true,
		},
		{
			name:    "reducing a quantity",
			oldCart: []CartLine{line(1, 3)},
			newCart: []CartLine{line(1, 2)},
			want:    false,
		},
		{
			name:    "removing a product",
			oldCart: []CartLine{line(1, 2), line(2, 1)},
			newCart: []CartLine{line(1, 2)},
			want:    false,
		},
		{
			name:    "identical carts",
			oldCart: []CartLine{line(1, 2)},
			newCart: []CartLine{line(1, 2)},
			want:    true,
		},
		{
			name:    "split line with same total quantity",
			oldCart: []CartLine{line(1, 4)},
			newCart: []CartLine{line(1, 2), line(1, 2)},
			want:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isNonDestructiveEdit(tt.oldCart, tt.newCart); got != tt.want {
				t.Errorf("isNonDestructiveEdit() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCartChanged(t *testing.T) {
	base := []CartLine{line(1, 2), line(2, 1)}

	if cartChanged(base, []CartLine{line(1, 2), line(2, 1)}) {
		t.Error("Identical carts reported as changed")
	}
	if !cartChanged(base, []CartLine{line(1, 2)}) {
		t.Error("Removed line not reported as changed")
	}
	if !cartChanged(base, []CartLine{line(1, 5), line(2, 1)}) {
		t.Error("Quantity change not reported")
	}
	if !cartChanged(base, []CartLine{line(1, 2), line(2, 1), line(3, 1)}) {
		t.Error("Added line not reported as changed")
	}

	repriced := []CartLine{{ProductID: 1, Quantity: decimal.NewFromInt(2), UnitPrice: decimal.NewFromInt(9)}, line(2, 1)}
	if !cartChanged(base, repriced) {
		t.Error("Price change not reported")
	}
}
