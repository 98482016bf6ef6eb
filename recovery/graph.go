package recovery

import (
	"sort"

	"github.com/mit-pdos/go-fsjournal/common"
)

// unionFind is a disjoint-set forest over transaction indexes.
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	u := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range u.parent {
		u.parent[i] = i
	}
	return u
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.rank[ra] < u.rank[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	if u.rank[ra] == u.rank[rb] {
		u.rank[ra]++
	}
}

// Component is a set of transactions that touch overlapping blocks and so
// must be replayed in order. Transactions in different components share no
// block.
type Component struct {
	Txns []*Txn
}

func (c *Component) FirstSeq() uint64 {
	return c.Txns[0].Seq
}

// components groups txns, which are in sequence order, into components.
// Components are ordered by their first transaction's sequence and keep
// sequence order inside.
func components(txns []*Txn) []*Component {
	u := newUnionFind(len(txns))
	last := make(map[common.Bnum]int)
	for i, t := range txns {
		for _, bn := range t.Blocks() {
			if j, ok := last[bn]; ok {
				u.union(i, j)
			}
			last[bn] = i
		}
	}
	byRoot := make(map[int]*Component)
	var comps []*Component
	for i, t := range txns {
		r := u.find(i)
		c, ok := byRoot[r]
		if !ok {
			c = &Component{}
			byRoot[r] = c
			comps = append(comps, c)
		}
		c.Txns = append(c.Txns, t)
	}
	sort.SliceStable(comps, func(i, j int) bool {
		return comps[i].FirstSeq() < comps[j].FirstSeq()
	})
	return comps
}
