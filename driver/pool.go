package driver

import (
	"database/sql"
	"sort"
	"sync/atomic"
)

// replica is a read-only pool with its selection weight.
type replica struct {
	db     *sql.DB
	weight uint32
}

// picker selects replicas by weighted round robin. A single atomic counter
// walks the cumulative weight table, so selection never locks.
type picker struct {
	cum   []uint64
	total uint64
	equal bool
	n     atomic.Uint64
}

func newPicker(rs []replica) *picker {
	p := &picker{cum: make([]uint64, len(rs)), equal: true}
	for i, r := range rs {
		w := uint64(max(r.weight, 1))
		p.total += w
		p.cum[i] = p.total
		if w != uint64(max(rs[0].weight, 1)) {
			p.equal = false
		}
	}
	return p
}

// next returns the index of the replica serving the next read, or -1 when
// there are none.
func (p *picker) next() int {
	if len(p.cum) == 0 {
		return -1
	}
	c := p.n.Add(1) - 1
	if p.equal {
		return int(c % uint64(len(p.cum)))
	}
	slot := c % p.total
	return sort.Search(len(p.cum), func(i int) bool { return p.cum[i] > slot })
}
