package memstore

import (
	"github.com/google/btree"
	"github.com/xtrntr/spotexchange/internal/models"
)

type bookKey struct {
	symbol string
	side   models.Side
}

// book holds the open orders of one symbol and side in price-time
// priority: buys highest price first, sells lowest price first, then
// earliest time, then lowest id.
type book struct {
	tree *btree.BTreeG[*models.Order]
}

func newBook(side models.Side) *book {
	less := func(a, b *models.Order) bool {
		if !a.Price.Equal(b.Price) {
			if side == models.SideBuy {
				return a.Price.GreaterThan(b.Price)
			}
			return a.Price.LessThan(b.Price)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	}
	return &book{tree: btree.NewG[*models.Order](16, less)}
}

func (b *book) add(order models.Order) {
	b.tree.ReplaceOrInsert(&order)
}

func (b *book) remove(order models.Order) {
	b.tree.Delete(&order)
}

// each calls fn on orders best first until fn returns false
func (b *book) each(fn func(models.Order) bool) {
	b.tree.Ascend(func(o *models.Order) bool {
		return fn(*o)
	})
}

func (b *book) list() []models.Order {
	out := make([]models.Order, 0, b.tree.Len())
	b.each(func(o models.Order) bool {
		out = append(out, o)
		return true
	})
	return out
}
