package recovery

import (
	"github.com/mit-pdos/go-fsjournal/logging"
	"github.com/mit-pdos/go-fsjournal/wal"
)

type ambiguityKind int

const (
	// an incomplete transaction with committed ones after it
	interleaved ambiguityKind = iota
	// a block whose newest committed write went home directly and whose
	// home contents do not match the recorded checksum
	inPlaceMismatch
)

type ambiguity struct {
	kind ambiguityKind
	txn  *Txn
	tag  wal.Tag
}

// detect classifies the incomplete transactions and checks in-place
// writes against their home blocks. It runs alongside replay; replay never
// writes a block whose newest write was in place.
func (e *Engine) detect(p *pairing, pl *plan) ([]ambiguity, error) {
	var amb []ambiguity
	var lastCommitted uint64
	if n := len(p.committed); n > 0 {
		lastCommitted = p.committed[n-1].Seq
	}
	for _, t := range p.partial {
		if t.FirstSeq < lastCommitted {
			amb = append(amb, ambiguity{kind: interleaved, txn: t})
		}
	}
	for _, tag := range pl.inPlaceFinal() {
		b, err := e.d.Read(tag.Home)
		if err != nil {
			return nil, err
		}
		if wal.Sum64(b) != tag.Sum {
			amb = append(amb, ambiguity{kind: inPlaceMismatch, tag: tag})
		}
	}
	e.update(func(r *Report) {
		r.Discarded = len(p.partial)
		r.Ambiguous = len(amb)
	})
	return amb, nil
}

// resolve settles each ambiguity. Incomplete transactions are always
// discarded, whether or not later commits overwrote their blocks. An
// in-place mismatch cannot be repaired because the contents were never
// logged; it is reported.
func (e *Engine) resolve(amb []ambiguity) {
	mismatched := 0
	for _, a := range amb {
		switch a.kind {
		case interleaved:
			blocks := a.txn.Blocks()
			logging.Warn().
				Uint64("txn", uint64(a.txn.ID)).
				Uint64("first_seq", a.txn.FirstSeq).
				Int("blocks", len(blocks)).
				Msg("recovery: discarding incomplete transaction followed by committed ones")
		case inPlaceMismatch:
			mismatched++
			logging.Warn().
				Uint64("block", uint64(a.tag.Home)).
				Msg("recovery: home block does not match its committed checksum")
		}
	}
	e.update(func(r *Report) { r.Mismatched = mismatched })
}
