package wal

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/disk"
	"github.com/mit-pdos/go-fsjournal/util"
)

type hdr struct {
	jid  uint64
	typ  BlockType
	seq  uint64
	txn  common.TxnID
	plen uint64
	csum ChecksumType
}

// encodeHeader lays out a header block; the checksum covers everything
// before the checksum area.
func encodeHeader(h hdr, payload []byte) disk.Block {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(MAGIC)
	enc.PutInt(h.jid)
	enc.PutInt(uint64(h.typ))
	enc.PutInt(h.seq)
	enc.PutInt(uint64(h.txn))
	enc.PutInt(uint64(len(payload)))
	enc.PutInt(uint64(h.csum))
	b := enc.Finish()
	copy(b[HDRSZ:], payload)
	copy(b[disk.BlockSize-CSUMSZ:], h.csum.sum(b[:disk.BlockSize-CSUMSZ]))
	return b
}

// decodeHeader validates magic, journal id and checksum and returns the
// header with a copy of its payload.
func decodeHeader(b disk.Block, jid uint64) (hdr, []byte, error) {
	dec := marshal.NewDec(b)
	if dec.GetInt() != MAGIC {
		return hdr{}, nil, ErrBadMagic
	}
	h := hdr{
		jid:  dec.GetInt(),
		typ:  BlockType(dec.GetInt()),
		seq:  dec.GetInt(),
		txn:  common.TxnID(dec.GetInt()),
		plen: dec.GetInt(),
		csum: ChecksumType(dec.GetInt()),
	}
	if h.jid != jid {
		return hdr{}, nil, errors.E(ErrBadMagic, "foreign journal id")
	}
	if !h.csum.valid() || h.plen > PAYLOAD {
		return hdr{}, nil, ErrChecksum
	}
	want := h.csum.sum(b[:disk.BlockSize-CSUMSZ])
	if !bytes.Equal(want, b[disk.BlockSize-CSUMSZ:disk.BlockSize-CSUMSZ+h.csum.size()]) {
		return hdr{}, nil, ErrChecksum
	}
	return h, util.CloneByteSlice(b[HDRSZ : HDRSZ+h.plen]), nil
}

func payloadErr(what string, n uint64) error {
	return errors.E(errors.Integrity, errors.Fatal, fmt.Sprintf("malformed %s payload (%d bytes)", what, n))
}

func encodeDescriptor(d *Descriptor) []byte {
	enc := marshal.NewEnc(16 + TAGSZ*uint64(len(d.Tags)))
	var more uint64
	if d.More {
		more = 1
	}
	enc.PutInt(more)
	enc.PutInt(uint64(len(d.Tags)))
	for _, t := range d.Tags {
		enc.PutInt(t.Home)
		enc.PutInt(t.Sum)
		enc.PutInt(t.Flags)
	}
	return enc.Finish()
}

func decodeDescriptor(p []byte) (*Descriptor, error) {
	if uint64(len(p)) < 16 {
		return nil, payloadErr("descriptor", uint64(len(p)))
	}
	dec := marshal.NewDec(p)
	more := dec.GetInt()
	n := dec.GetInt()
	if n > MAXTAGS || uint64(len(p)) < 16+n*TAGSZ {
		return nil, payloadErr("descriptor", uint64(len(p)))
	}
	d := &Descriptor{More: more == 1, Tags: make([]Tag, n)}
	for i := range d.Tags {
		d.Tags[i] = Tag{Home: dec.GetInt(), Sum: dec.GetInt(), Flags: dec.GetInt()}
	}
	return d, nil
}

// commitSum binds the commit block to the transaction id and every tag.
func commitSum(ct ChecksumType, txn common.TxnID, tags []Tag) []byte {
	enc := marshal.NewEnc(8 + TAGSZ*uint64(len(tags)))
	enc.PutInt(uint64(txn))
	for _, t := range tags {
		enc.PutInt(t.Home)
		enc.PutInt(t.Sum)
		enc.PutInt(t.Flags)
	}
	return ct.sum(enc.Finish())
}

func encodeCommit(c *Commit) []byte {
	enc := marshal.NewEnc(5*8 + uint64(len(c.Sum)))
	enc.PutInt(uint64(c.Op))
	enc.PutInt(c.NBlocks)
	enc.PutInt(c.NDesc)
	enc.PutInt(c.FirstSeq)
	enc.PutInt(uint64(len(c.Sum)))
	b := enc.Finish()
	copy(b[5*8:], c.Sum)
	return b
}

func decodeCommit(p []byte) (*Commit, error) {
	if uint64(len(p)) < 5*8 {
		return nil, payloadErr("commit", uint64(len(p)))
	}
	dec := marshal.NewDec(p)
	c := &Commit{
		Op:       common.OpType(dec.GetInt()),
		NBlocks:  dec.GetInt(),
		NDesc:    dec.GetInt(),
		FirstSeq: dec.GetInt(),
	}
	n := dec.GetInt()
	if n > 32 || uint64(len(p)) < 5*8+n {
		return nil, payloadErr("commit", uint64(len(p)))
	}
	c.Sum = util.CloneByteSlice(p[5*8 : 5*8+n])
	return c, nil
}

func encodeRevocation(r *Revocation) []byte {
	enc := marshal.NewEnc(8 + 8*uint64(len(r.Blocks)))
	enc.PutInt(uint64(len(r.Blocks)))
	enc.PutInts(r.Blocks)
	return enc.Finish()
}

func decodeRevocation(p []byte) (*Revocation, error) {
	if len(p) < 8 {
		return nil, payloadErr("revocation", uint64(len(p)))
	}
	dec := marshal.NewDec(p)
	n := dec.GetInt()
	if n > MAXREVOK || uint64(len(p)) < 8+8*n {
		return nil, payloadErr("revocation", uint64(len(p)))
	}
	return &Revocation{Blocks: dec.GetInts(n)}, nil
}

func encodeCheckpoint(c *Checkpoint) []byte {
	ng := uint64(len(c.Groups))
	enc := marshal.NewEnc(4*8 + 8*ng + 16 + 32)
	enc.PutInt(c.StartSeq)
	enc.PutInt(c.EndSeq)
	enc.PutInt(uint64(c.LastTxn))
	enc.PutInt(ng)
	enc.PutInts(c.Groups)
	b := enc.Finish()
	off := 4*8 + 8*ng
	copy(b[off:], c.ID[:])
	copy(b[off+16:], c.StateHash[:])
	return b
}

func decodeCheckpoint(p []byte) (*Checkpoint, error) {
	if len(p) < 4*8 {
		return nil, payloadErr("checkpoint", uint64(len(p)))
	}
	dec := marshal.NewDec(p)
	c := &Checkpoint{
		StartSeq: dec.GetInt(),
		EndSeq:   dec.GetInt(),
		LastTxn:  common.TxnID(dec.GetInt()),
	}
	ng := dec.GetInt()
	if ng > MAXGROUP || uint64(len(p)) < 4*8+8*ng+48 {
		return nil, payloadErr("checkpoint", uint64(len(p)))
	}
	c.Groups = dec.GetInts(ng)
	off := 4*8 + 8*ng
	id, err := uuid.FromBytes(p[off : off+16])
	if err != nil {
		return nil, payloadErr("checkpoint", uint64(len(p)))
	}
	c.ID = id
	copy(c.StateHash[:], p[off+16:off+48])
	return c, nil
}

// descriptorChunks splits a transaction's tags across descriptor records.
func descriptorChunks(tags []Tag) []*Descriptor {
	var ds []*Descriptor
	for len(tags) > 0 {
		n := util.Min(uint64(len(tags)), MAXTAGS)
		ds = append(ds, &Descriptor{Tags: tags[:n]})
		tags = tags[n:]
	}
	if len(ds) == 0 {
		ds = append(ds, &Descriptor{})
	}
	for _, d := range ds[:len(ds)-1] {
		d.More = true
	}
	return ds
}
