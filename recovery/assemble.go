package recovery

import (
	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/util"
	"github.com/mit-pdos/go-fsjournal/wal"
)

// Txn is one transaction found in the log.
type Txn struct {
	ID       common.TxnID
	Op       common.OpType
	FirstSeq uint64
	// Seq is the commit record's sequence, or for an incomplete
	// transaction the last header seen.
	Seq     uint64
	Tags    []wal.Tag
	Logged  []wal.Update
	Revoked []common.Bnum

	ndesc uint64
	more  bool
	// End is the log position just past the transaction's last block.
	End wal.LogPosition
}

// Blocks lists every block the transaction wrote, logged or in place, and
// every block it revoked.
func (t *Txn) Blocks() []common.Bnum {
	bns := make([]common.Bnum, 0, len(t.Tags)+len(t.Revoked))
	for _, tag := range t.Tags {
		bns = append(bns, tag.Home)
	}
	bns = append(bns, t.Revoked...)
	return util.SortedUniq(bns)
}

// pairing is the log's transactions split by whether they can be replayed.
type pairing struct {
	committed []*Txn
	// partial transactions have descriptors but no matching commit.
	partial []*Txn
	// corrupt is the first committed transaction whose commit checksum
	// does not verify; it and everything after it is dropped.
	corrupt *Txn
	dropped []*Txn
	ckpt    *wal.Checkpoint
	lastPos wal.LogPosition
}

// pair groups scan entries into transactions. A descriptor starts a
// transaction; the commit with the same id, first sequence and descriptor
// count completes it.
func pair(l *wal.Log, entries []wal.Entry) (*pairing, error) {
	p := &pairing{}
	var cur *Txn
	var stop error
	drop := func() {
		if cur == nil {
			return
		}
		if p.corrupt != nil {
			p.dropped = append(p.dropped, cur)
		} else {
			p.partial = append(p.partial, cur)
		}
		cur = nil
	}
	for _, e := range entries {
		p.lastPos = e.Pos + 1
		switch e.Type {
		case wal.BlockDescriptor:
			if cur != nil && (cur.ID != e.TxnID || !cur.more) {
				drop()
			}
			if cur == nil {
				cur = &Txn{ID: e.TxnID, FirstSeq: e.Seq}
			}
			cur.ndesc++
			cur.more = e.Descriptor.More
			cur.Seq = e.Seq
			cur.Tags = append(cur.Tags, e.Descriptor.Tags...)
		case wal.BlockData:
			if cur != nil && cur.ID == e.TxnID {
				cur.Logged = append(cur.Logged, wal.MkBlockData(e.Tag.Home, e.Data))
			}
		case wal.BlockRevocation:
			if cur == nil || cur.ID != e.TxnID {
				drop()
				continue
			}
			cur.Seq = e.Seq
			cur.Revoked = append(cur.Revoked, e.Revocation.Blocks...)
		case wal.BlockCommit:
			c := e.Commit
			if cur == nil || cur.ID != e.TxnID || cur.more ||
				c.FirstSeq != cur.FirstSeq || c.NDesc != cur.ndesc {
				drop()
				continue
			}
			cur.Op = c.Op
			cur.Seq = e.Seq
			cur.End = e.Pos + 1
			if p.corrupt != nil {
				p.dropped = append(p.dropped, cur)
				cur = nil
				continue
			}
			if err := l.VerifyCommit(cur.ID, cur.Tags, c); err != nil {
				p.corrupt = cur
				stop = err
				cur = nil
				continue
			}
			p.committed = append(p.committed, cur)
			cur = nil
		case wal.BlockCheckpoint:
			drop()
			if p.ckpt == nil {
				p.ckpt = e.Checkpoint
			}
		case wal.BlockBarrier:
			drop()
		}
	}
	drop()
	return p, stop
}
