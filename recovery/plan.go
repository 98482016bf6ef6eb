package recovery

import (
	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/wal"
)

// lastWrite is the newest committed thing that happened to a block.
type lastWrite struct {
	seq     uint64
	tag     wal.Tag
	revoked bool
}

// plan decides which logged copies are worth installing. A logged copy is
// superseded when a later committed transaction wrote the same block in
// place or revoked it: the home location already holds newer contents, or
// the block was freed.
type plan struct {
	supersede map[common.Bnum]uint64
	last      map[common.Bnum]lastWrite
	sums      map[*Txn]map[common.Bnum]uint64
}

func newPlan(txns []*Txn) *plan {
	p := &plan{
		supersede: make(map[common.Bnum]uint64),
		last:      make(map[common.Bnum]lastWrite),
		sums:      make(map[*Txn]map[common.Bnum]uint64),
	}
	for _, t := range txns {
		sums := make(map[common.Bnum]uint64, len(t.Tags))
		for _, tag := range t.Tags {
			sums[tag.Home] = tag.Sum
			p.last[tag.Home] = lastWrite{seq: t.Seq, tag: tag}
			if !tag.Logged() {
				p.supersede[tag.Home] = t.Seq
			}
		}
		for _, bn := range t.Revoked {
			p.supersede[bn] = t.Seq
			p.last[bn] = lastWrite{seq: t.Seq, revoked: true}
		}
		p.sums[t] = sums
	}
	return p
}

// updates returns t's logged blocks that replay must install, and how many
// it skips.
func (p *plan) updates(t *Txn) ([]wal.Update, int) {
	var ups []wal.Update
	skipped := 0
	for _, u := range t.Logged {
		if s, ok := p.supersede[u.Addr]; ok && s > t.Seq {
			skipped++
			continue
		}
		ups = append(ups, u)
	}
	return ups, skipped
}

// inPlaceFinal lists blocks whose newest committed write went home
// directly, with the checksum that write recorded.
func (p *plan) inPlaceFinal() []wal.Tag {
	var tags []wal.Tag
	for _, lw := range p.last {
		if !lw.revoked && !lw.tag.Logged() {
			tags = append(tags, lw.tag)
		}
	}
	return tags
}
