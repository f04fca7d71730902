package domain

import "strings"

// Wishlist is an insertion-ordered set of product names.
type Wishlist struct {
	Names []string `json:"names"`
}

// NewWishlist drops blank and duplicate names, keeping first occurrences.
func NewWishlist(names []string) Wishlist {
	w := Wishlist{Names: []string{}}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || w.Contains(n) {
			continue
		}
		w.Names = append(w.Names, n)
	}
	return w
}

func (w Wishlist) Contains(name string) bool {
	for _, n := range w.Names {
		if n == name {
			return true
		}
	}
	return false
}

// Toggle adds name if absent and removes it otherwise. The bool reports
// whether name is on the returned list.
func (w Wishlist) Toggle(name string) (Wishlist, bool) {
	if w.Contains(name) {
		return w.Remove(name), false
	}
	next := Wishlist{Names: append(append([]string{}, w.Names...), name)}
	return next, true
}

func (w Wishlist) Remove(name string) Wishlist {
	next := Wishlist{Names: make([]string, 0, len(w.Names))}
	for _, n := range w.Names {
		if n != name {
			next.Names = append(next.Names, n)
		}
	}
	return next
}
