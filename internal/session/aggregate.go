package session

import "github.com/andresmejia3/labscan/internal/api"

// Aggregate folds detail lines by name in first-seen order, summing
// quantities (missing or non-positive counts as 1), then appends the
// exhausted names as out-of-stock items in their original order.
func Aggregate(lines []api.DetailLine, exhausted []string) []LineItem {
	items := make([]LineItem, 0, len(lines)+len(exhausted))
	index := make(map[string]int, len(lines))

	for _, l := range lines {
		qty := l.Quantity
		if qty <= 0 {
			qty = 1
		}
		if i, ok := index[l.Name]; ok {
			items[i].Quantity += qty
			continue
		}
		index[l.Name] = len(items)
		items = append(items, LineItem{Name: l.Name, Quantity: qty})
	}

	for _, name := range exhausted {
		items = append(items, LineItem{Name: name, Quantity: 1, OutOfStock: true})
	}
	return items
}
