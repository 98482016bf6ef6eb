package wal

import (
	"bytes"
	"fmt"

	"github.com/grailbio/base/errors"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/disk"
	"github.com/mit-pdos/go-fsjournal/util"
)

// Entry is one valid block found by a scan. Data entries carry the tag that
// validated them and the sequence of their descriptor.
type Entry struct {
	Pos   LogPosition
	Type  BlockType
	Seq   uint64
	TxnID common.TxnID

	Descriptor *Descriptor
	Commit     *Commit
	Revocation *Revocation
	Checkpoint *Checkpoint

	Tag  Tag
	Data disk.Block
}

type ScanOptions struct {
	// UseChunks reads the ring in runs of ChunkBlocks through
	// disk.ReadChunk (memory-mapped on file disks) instead of block by
	// block.
	UseChunks   bool
	ChunkBlocks uint64
	// Limit bounds the number of blocks visited; zero means the whole ring.
	Limit uint64
}

// ScanResult holds the valid prefix of the log. Stop explains why the scan
// ended early; it is nil when the limit was reached.
type ScanResult struct {
	Entries []Entry
	End     LogPosition
	LastSeq uint64
	LastTxn common.TxnID
	Blocks  uint64
	Stop    error
}

var errStopScan = errors.E("scan stopped")

// scanner validates blocks in log order. An invalid block, a data block
// that does not match its tag, or a sequence gap ends the valid prefix.
type scanner struct {
	l       *Log
	res     *ScanResult
	expect  uint64 // next header sequence
	pending []Tag  // logged tags still owed data blocks
	descSeq uint64
	descTxn common.TxnID
}

func (s *scanner) visit(pos LogPosition, b disk.Block) error {
	if len(s.pending) > 0 {
		t := s.pending[0]
		if Sum64(b) != t.Sum {
			s.res.Stop = errors.E(ErrChecksum, fmt.Sprintf("data for block %d at %d", t.Home, pos))
			return errStopScan
		}
		s.pending = s.pending[1:]
		s.res.Entries = append(s.res.Entries, Entry{
			Pos: pos, Type: BlockData, Seq: s.descSeq, TxnID: s.descTxn,
			Tag: t, Data: util.CloneByteSlice(b),
		})
		s.advance(pos)
		return nil
	}
	h, payload, err := decodeHeader(b, s.l.jid)
	if err != nil {
		s.res.Stop = err
		return errStopScan
	}
	if h.seq != s.expect {
		s.res.Stop = errors.E(errors.Integrity, fmt.Sprintf("sequence %d at %d, expected %d", h.seq, pos, s.expect))
		return errStopScan
	}
	e := Entry{Pos: pos, Type: h.typ, Seq: h.seq, TxnID: h.txn}
	switch h.typ {
	case BlockDescriptor:
		e.Descriptor, err = decodeDescriptor(payload)
		if err == nil {
			for _, t := range e.Descriptor.Tags {
				if t.Logged() {
					s.pending = append(s.pending, t)
				}
			}
			s.descSeq = h.seq
			s.descTxn = h.txn
		}
	case BlockCommit:
		e.Commit, err = decodeCommit(payload)
	case BlockRevocation:
		e.Revocation, err = decodeRevocation(payload)
	case BlockCheckpoint:
		e.Checkpoint, err = decodeCheckpoint(payload)
	case BlockBarrier:
	default:
		err = errors.E(errors.Integrity, fmt.Sprintf("unexpected %v record", h.typ))
	}
	if err != nil {
		s.res.Stop = err
		return errStopScan
	}
	s.res.Entries = append(s.res.Entries, e)
	s.res.LastSeq = h.seq
	if h.txn > s.res.LastTxn {
		s.res.LastTxn = h.txn
	}
	s.expect++
	s.advance(pos)
	return nil
}

func (s *scanner) advance(pos LogPosition) {
	s.res.End = pos + 1
	s.res.Blocks++
}

// Scan reads forward from the tail.
func (l *Log) Scan(opts ScanOptions) (*ScanResult, error) {
	l.mu.Lock()
	tail, seq := l.tail, l.tailSeq
	l.mu.Unlock()
	return l.ScanFrom(tail, seq, opts)
}

// ScanFrom reads forward from pos, where the record at pos must carry
// sequence seq, and returns the valid prefix. Only disk errors are returned
// as errors; invalid blocks end the scan.
func (l *Log) ScanFrom(pos LogPosition, seq uint64, opts ScanOptions) (*ScanResult, error) {
	limit := l.ringSize
	if opts.Limit != 0 && opts.Limit < limit {
		limit = opts.Limit
	}
	res := &ScanResult{End: pos, LastSeq: seq - 1}
	s := &scanner{l: l, res: res, expect: seq}

	var err error
	if opts.UseChunks {
		err = l.scanChunks(s, pos, limit, opts.ChunkBlocks)
	} else {
		b := make(disk.Block, disk.BlockSize)
		for i := uint64(0); i < limit; i++ {
			p := pos + LogPosition(i)
			if err = l.d.ReadTo(l.phys(p), b); err != nil {
				break
			}
			if err = s.visit(p, b); err != nil {
				break
			}
		}
	}
	if err != nil && err != errStopScan {
		return nil, err
	}
	if len(s.pending) > 0 && res.Stop == nil {
		res.Stop = errors.E(errors.Integrity, "log ends inside a descriptor")
	}
	util.DPrintf(2, "wal: scan from %d: %d blocks, %d entries, end %d, stop %v\n",
		pos, res.Blocks, len(res.Entries), res.End, res.Stop)
	return res, nil
}

// scanChunks reads [pos, pos+limit) in physically contiguous runs of at most
// chunk blocks.
func (l *Log) scanChunks(s *scanner, pos LogPosition, limit uint64, chunk uint64) error {
	if chunk == 0 {
		chunk = 256
	}
	for done := uint64(0); done < limit; {
		p := pos + LogPosition(done)
		off := uint64(p) % l.ringSize
		n := util.Min(util.Min(chunk, limit-done), l.ringSize-off)
		err := disk.ReadChunk(l.d, l.phys(p), n, func(i uint64, b disk.Block) error {
			return s.visit(p+LogPosition(i), b)
		})
		if err != nil {
			return err
		}
		done += n
	}
	return nil
}

// ReadAt decodes the header record at pos. Data blocks cannot be read on
// their own; they are only meaningful through their descriptor.
func (l *Log) ReadAt(pos LogPosition) (*Entry, error) {
	b, err := l.d.Read(l.phys(pos))
	if err != nil {
		return nil, err
	}
	s := &scanner{l: l, res: &ScanResult{}}
	h, _, err := decodeHeader(b, l.jid)
	if err != nil {
		return nil, err
	}
	s.expect = h.seq
	if err := s.visit(pos, b); err != nil {
		return nil, s.res.Stop
	}
	return &s.res.Entries[0], nil
}

// VerifyCommit checks that c seals exactly tags for transaction txn.
func (l *Log) VerifyCommit(txn common.TxnID, tags []Tag, c *Commit) error {
	if uint64(len(tags)) != c.NBlocks {
		return errors.E(ErrTxnChecksum, fmt.Sprintf("txn %d: %d tags, commit names %d", txn, len(tags), c.NBlocks))
	}
	if !bytes.Equal(commitSum(l.csum, txn, tags), c.Sum) {
		return errors.E(ErrTxnChecksum, fmt.Sprintf("txn %d", txn))
	}
	return nil
}
