// Package wigner generates Wigner small-d matrices, the representation of a
// rotation about the y axis on spherical-harmonic coefficients of fixed
// degree, and memoises them per (beta, bandwidth).
package wigner

import (
	"container/list"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// SmallD returns d^l(beta) as a (2l+1)x(2l+1) matrix whose element
// (m'+l, m+l) is d^l_{m'm}(beta) = <l m'| exp(-i beta J_y) |l m>, with the
// Condon-Shortley phase convention.
//
// The matrix is obtained as the exponential of the real antisymmetric
// generator -i beta J_y = -beta (J+ - J-)/2, which stays accurate for large l
// where the closed-form factorial sum loses precision to cancellation.
func SmallD(beta float64, l int) *mat.Dense {
	n := 2*l + 1
	gen := mat.NewDense(n, n, nil)
	for m := -l; m < l; m++ {
		c := math.Sqrt(float64(l*(l+1) - m*(m+1)))
		gen.Set(m+1+l, m+l, -beta*c/2)
		gen.Set(m+l, m+1+l, beta*c/2)
	}

	var d mat.Dense
	d.Exp(gen)
	return &d
}

// Table holds d^l(beta) for every degree l < L. It is shared between
// callers and must be treated as read-only.
type Table struct {
	Beta float64
	D    []*mat.Dense
}

// L returns the bandwidth of the table.
func (t *Table) L() int {
	return len(t.D)
}

// At returns d^l_{m1,m2}(beta).
func (t *Table) At(l, m1, m2 int) float64 {
	return t.D[l].At(m1+l, m2+l)
}

// NewTable computes d^l(beta) for l = 0 ... L-1.
func NewTable(beta float64, L int) *Table {
	t := &Table{Beta: beta, D: make([]*mat.Dense, L)}
	for l := 0; l < L; l++ {
		t.D[l] = SmallD(beta, l)
	}
	return t
}

type key struct {
	beta float64
	l    int
}

type entry struct {
	key   key
	table *Table
}

// Cache is a bounded LRU memo of tables. It is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	maxCount int
	order    *list.List
	items    map[key]*list.Element

	hits, misses int
}

// NewCache returns a cache holding at most maxCount tables. A non-positive
// maxCount disables eviction.
func NewCache(maxCount int) *Cache {
	return &Cache{
		maxCount: maxCount,
		order:    list.New(),
		items:    make(map[key]*list.Element),
	}
}

// Get returns the table for (beta, L), computing it on a miss.
func (c *Cache) Get(beta float64, L int) *Table {
	k := key{beta, L}

	c.mu.Lock()
	if el, ok := c.items[k]; ok {
		c.order.MoveToFront(el)
		c.hits++
		t := el.Value.(*entry).table
		c.mu.Unlock()
		return t
	}
	c.misses++
	c.mu.Unlock()

	// Compute outside the lock; a concurrent miss on the same key only
	// duplicates work.
	t := NewTable(beta, L)

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[k]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*entry).table
	}
	c.items[k] = c.order.PushFront(&entry{key: k, table: t})
	for c.maxCount > 0 && c.order.Len() > c.maxCount {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*entry).key)
	}
	return t
}

// Stats returns the hit and miss counts and the number of cached tables.
func (c *Cache) Stats() (hits, misses, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.order.Len()
}

var defaultCache = NewCache(16)

// Get returns d^l(beta) for l < L from the package-wide cache.
func Get(beta float64, L int) *Table {
	return defaultCache.Get(beta, L)
}
