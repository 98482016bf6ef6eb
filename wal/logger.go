package wal

import (
	"fmt"

	"github.com/grailbio/base/errors"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/disk"
	"github.com/mit-pdos/go-fsjournal/metrics"
	"github.com/mit-pdos/go-fsjournal/util"
)

// reserve claims n ring blocks, nhdr of them header records, returning the
// first position and sequence. It fails without side effects when the ring
// cannot hold them.
func (l *Log) reserve(n uint64, nhdr uint64) (LogPosition, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.appendableLocked(); err != nil {
		return 0, 0, err
	}
	if n > l.ringSize {
		return 0, 0, errors.E(errors.Invalid,
			fmt.Sprintf("append of %d blocks exceeds the %d-block log", n, l.ringSize))
	}
	used := uint64(l.head - l.tail)
	if used+n > l.ringSize {
		return 0, 0, errors.E(ErrOutOfLogSpace, fmt.Sprintf("need %d blocks, %d free", n, l.ringSize-used))
	}
	if util.SumOverflows(uint64(l.head), n) {
		return 0, 0, errors.E(errors.Invalid, "log position overflow")
	}
	start := l.head
	l.head += LogPosition(n)
	first := l.seq + 1
	l.seq += nhdr
	return start, first, nil
}

// pendingBlock is an encoded block waiting to be written at a reserved
// position.
type pendingBlock struct {
	typ BlockType
	blk disk.Block
}

func (l *Log) header(typ BlockType, seq uint64, txn common.TxnID, payload []byte) pendingBlock {
	ct := ChecksumFast
	if typ == BlockCommit {
		ct = l.csum
	}
	return pendingBlock{typ: typ, blk: encodeHeader(hdr{jid: l.jid, typ: typ, seq: seq, txn: txn, csum: ct}, payload)}
}

// writeBlocks writes blocks from start on, outside mu. The disrupt hooks fire
// here so a test can stop the log between any two block writes.
func (l *Log) writeBlocks(start LogPosition, blocks []pendingBlock) error {
	for i, pb := range blocks {
		if pb.typ == BlockCommit && l.deps.Disrupt(DisruptBeforeCommit) {
			return l.crash()
		}
		pos := start + LogPosition(i)
		util.DPrintf(5, "wal: write %v at %d (block %d)\n", pb.typ, pos, l.phys(pos))
		if err := l.d.Write(l.phys(pos), pb.blk); err != nil {
			return l.abort(err)
		}
		metrics.RecordLogBlocks(pb.typ.String(), 1)
		if pb.typ == BlockDescriptor && l.deps.Disrupt(DisruptAfterDescriptor) {
			return l.crash()
		}
	}
	return nil
}

// finish makes a completed append visible and, if sync, durable.
func (l *Log) finish(lastSeq uint64, sync bool) error {
	l.mu.Lock()
	l.writtenSeq = lastSeq
	l.mu.Unlock()
	if !sync {
		return nil
	}
	if err := l.d.Barrier(); err != nil {
		return l.abort(err)
	}
	l.mu.Lock()
	if lastSeq > l.commitSeq {
		l.commitSeq = lastSeq
	}
	l.mu.Unlock()
	return nil
}

func (l *Log) noteUtilization() {
	st := l.Status()
	metrics.LogUtilization.Set(st.Utilization)
}

// appendLocked assumes appendMu is held.
func (l *Log) appendLocked(recs []Record, sync bool) (AppendResult, error) {
	if err := l.markDirtyLocked(); err != nil {
		return AppendResult{}, err
	}
	var nhdr uint64
	for _, r := range recs {
		if r.Type != BlockData {
			nhdr++
		}
	}
	start, first, err := l.reserve(uint64(len(recs)), nhdr)
	if err != nil {
		return AppendResult{}, err
	}
	blocks := make([]pendingBlock, len(recs))
	seq := first
	for i, r := range recs {
		if r.Type == BlockData {
			blocks[i] = pendingBlock{typ: BlockData, blk: r.Data}
			continue
		}
		blocks[i] = l.header(r.Type, seq, r.TxnID, r.Payload)
		seq++
	}
	if err := l.writeBlocks(start, blocks); err != nil {
		return AppendResult{}, err
	}
	if err := l.finish(seq-1, sync); err != nil {
		return AppendResult{}, err
	}
	l.noteUtilization()
	return AppendResult{Start: start, End: start + LogPosition(len(recs)), FirstSeq: first, LastSeq: seq - 1}, nil
}

// Append writes records at the head of the log. With sync set the records
// are durable when it returns.
func (l *Log) Append(recs []Record, sync bool) (AppendResult, error) {
	for _, r := range recs {
		if r.Type == BlockData && uint64(len(r.Data)) != disk.BlockSize {
			return AppendResult{}, errors.E(errors.Invalid, "data record is not block-sized")
		}
		if r.Type != BlockData && uint64(len(r.Payload)) > PAYLOAD {
			return AppendResult{}, errors.E(errors.Invalid, fmt.Sprintf("%v payload of %d bytes", r.Type, len(r.Payload)))
		}
	}
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	return l.appendLocked(recs, sync)
}

func txnTags(tw *TxnWrite) []Tag {
	tags := make([]Tag, 0, len(tw.Logged)+len(tw.InPlace))
	for _, u := range tw.Logged {
		tags = append(tags, Tag{Home: u.Addr, Sum: Sum64(u.Block), Flags: TagLogged})
	}
	for _, u := range tw.InPlace {
		tags = append(tags, Tag{Home: u.Addr, Sum: Sum64(u.Block)})
	}
	return tags
}

func revocationChunks(bns []common.Bnum) [][]common.Bnum {
	var chunks [][]common.Bnum
	for len(bns) > 0 {
		n := util.Min(uint64(len(bns)), MAXREVOK)
		chunks = append(chunks, bns[:n])
		bns = bns[n:]
	}
	return chunks
}

type txnLayout struct {
	tags  []Tag
	descs []*Descriptor
	revs  [][]common.Bnum
}

func (tl *txnLayout) blocks(nlogged int) (uint64, uint64) {
	nhdr := uint64(len(tl.descs)+len(tl.revs)) + 1
	return nhdr + uint64(nlogged), nhdr
}

// AppendTxn writes a batch of transactions, each as descriptor(s) with their
// logged data, revocations and a commit record. The whole batch is reserved
// at once, so either all of it fits or ErrOutOfLogSpace is returned and
// nothing was written.
func (l *Log) AppendTxn(txns []TxnWrite, sync bool) ([]AppendResult, error) {
	layouts := make([]txnLayout, len(txns))
	var n, nhdr uint64
	for i := range txns {
		tags := txnTags(&txns[i])
		layouts[i] = txnLayout{tags: tags, descs: descriptorChunks(tags), revs: revocationChunks(txns[i].Revoked)}
		tn, th := layouts[i].blocks(len(txns[i].Logged))
		n += tn
		nhdr += th
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	if err := l.markDirtyLocked(); err != nil {
		return nil, err
	}
	start, first, err := l.reserve(n, nhdr)
	if err != nil {
		return nil, err
	}

	blocks := make([]pendingBlock, 0, n)
	results := make([]AppendResult, len(txns))
	seq := first
	var maxTxn common.TxnID
	for i := range txns {
		tw := &txns[i]
		tl := &layouts[i]
		results[i].Start = start + LogPosition(len(blocks))
		results[i].FirstSeq = seq
		logged := tw.Logged
		for _, d := range tl.descs {
			blocks = append(blocks, l.header(BlockDescriptor, seq, tw.TxnID, encodeDescriptor(d)))
			seq++
			for _, t := range d.Tags {
				if !t.Logged() {
					continue
				}
				blocks = append(blocks, pendingBlock{typ: BlockData, blk: logged[0].Block})
				logged = logged[1:]
			}
		}
		for _, r := range tl.revs {
			blocks = append(blocks, l.header(BlockRevocation, seq, tw.TxnID, encodeRevocation(&Revocation{Blocks: r})))
			seq++
		}
		c := &Commit{
			Op:       tw.Op,
			NBlocks:  uint64(len(tl.tags)),
			NDesc:    uint64(len(tl.descs)),
			FirstSeq: results[i].FirstSeq,
			Sum:      commitSum(l.csum, tw.TxnID, tl.tags),
		}
		blocks = append(blocks, l.header(BlockCommit, seq, tw.TxnID, encodeCommit(c)))
		results[i].LastSeq = seq
		seq++
		results[i].End = start + LogPosition(len(blocks))
		if tw.TxnID > maxTxn {
			maxTxn = tw.TxnID
		}
	}

	if err := l.writeBlocks(start, blocks); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.lastCommitSeq = seq - 1
	l.counters.Commits += uint64(len(txns))
	if maxTxn > l.lastTxn {
		l.lastTxn = maxTxn
	}
	l.mu.Unlock()
	if err := l.finish(seq-1, sync); err != nil {
		return nil, err
	}
	l.noteUtilization()
	util.DPrintf(3, "wal: appended %d txns, %d blocks at %d, seq %d-%d\n",
		len(txns), n, start, first, seq-1)
	return results, nil
}

// Flush makes every append so far durable.
func (l *Log) Flush() error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	l.mu.Lock()
	if l.aborted {
		l.mu.Unlock()
		return ErrJournalAborted
	}
	written := l.writtenSeq
	pending := written > l.commitSeq
	l.mu.Unlock()
	if !pending {
		return nil
	}
	util.DPrintf(2, "wal: flush to seq %d\n", written)
	if err := l.d.Barrier(); err != nil {
		return l.abort(err)
	}
	l.mu.Lock()
	l.commitSeq = written
	l.mu.Unlock()
	return nil
}
