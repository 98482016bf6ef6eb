package meta

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/wal"
)

const (
	inodeMagic  uint64 = 0x494e4f44 // "INOD"
	dentryMagic uint64 = 0x44454e54 // "DENT"
)

var (
	ErrRecordChecksum = errors.E(errors.Integrity, errors.Fatal, "metadata record checksum mismatch")
	ErrBadName        = errors.E(errors.Invalid, "invalid name")
)

type IType uint64

const (
	TypeFree IType = iota
	TypeFile
	TypeDir
	TypeSymlink
)

func (t IType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDir:
		return "dir"
	case TypeSymlink:
		return "symlink"
	}
	return "free"
}

// Inode is the 128-byte on-disk inode. Directory inodes count their
// entries in Size and name their containing directory in Parent; the root
// is its own parent.
type Inode struct {
	Inum   common.Inum
	Type   IType
	Nlink  uint64
	Size   uint64
	Gen    uint64
	Mtime  uint64
	Direct [common.NDIRECT]common.Bnum
	Parent common.Inum
}

func (ip *Inode) Live() bool {
	return ip.Type != TypeFree && ip.Nlink > 0
}

// Blocks returns the allocated direct blocks.
func (ip *Inode) Blocks() []common.Bnum {
	var bns []common.Bnum
	for _, bn := range ip.Direct {
		if bn != common.NULLBNUM {
			bns = append(bns, bn)
		}
	}
	return bns
}

func (ip *Inode) String() string {
	return fmt.Sprintf("inode %d %s nlink=%d size=%d", ip.Inum, ip.Type, ip.Nlink, ip.Size)
}

func recordSum(b []byte) uint64 {
	return wal.Sum64(b[:len(b)-8])
}

func storedSum(b []byte) uint64 {
	return marshal.NewDec(b[len(b)-8:]).GetInt()
}

func sealRecord(b []byte) []byte {
	enc := marshal.NewEnc(8)
	enc.PutInt(recordSum(b))
	copy(b[len(b)-8:], enc.Finish())
	return b
}

func allZero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}

// Encode serializes ip. A free inode that was never used encodes as zeros;
// a freed inode keeps its generation.
func (ip *Inode) Encode() []byte {
	if ip.Type == TypeFree && ip.Gen == 0 {
		return make([]byte, common.INODESZ)
	}
	enc := marshal.NewEnc(common.INODESZ)
	enc.PutInt(inodeMagic<<32 | uint64(ip.Type))
	enc.PutInt(uint64(ip.Inum))
	enc.PutInt(ip.Nlink)
	enc.PutInt(ip.Size)
	enc.PutInt(ip.Gen)
	enc.PutInt(ip.Mtime)
	enc.PutInts(ip.Direct[:])
	enc.PutInt(uint64(ip.Parent))
	return sealRecord(enc.Finish())
}

// DecodeInode parses the record in slot inum. An all-zero record is a free
// inode.
func DecodeInode(inum common.Inum, b []byte) (*Inode, error) {
	b = b[:common.INODESZ]
	ip := &Inode{Inum: inum}
	if allZero(b) {
		return ip, nil
	}
	dec := marshal.NewDec(b)
	w := dec.GetInt()
	if w>>32 != inodeMagic || dec.GetInt() != uint64(inum) {
		return nil, errors.E(ErrRecordChecksum, fmt.Sprintf("inode %d: bad header", inum))
	}
	ip.Type = IType(w & 0xffffffff)
	ip.Nlink = dec.GetInt()
	ip.Size = dec.GetInt()
	ip.Gen = dec.GetInt()
	ip.Mtime = dec.GetInt()
	copy(ip.Direct[:], dec.GetInts(common.NDIRECT))
	ip.Parent = common.Inum(dec.GetInt())
	if storedSum(b) != recordSum(b) {
		return nil, errors.E(ErrRecordChecksum, fmt.Sprintf("inode %d", inum))
	}
	return ip, nil
}

type slotState uint64

const (
	slotEmpty slotState = iota
	slotUsed
	slotDeleted
)

// Dentry maps (Parent, Name) to Inum.
type Dentry struct {
	Parent common.Inum
	Name   string
	Inum   common.Inum
}

const dentryNameOff = 4 * 8

type dentrySlot struct {
	state slotState
	d     Dentry
}

func encodeDentry(state slotState, d *Dentry) []byte {
	if state == slotEmpty {
		return make([]byte, common.DENTRYSZ)
	}
	enc := marshal.NewEnc(common.DENTRYSZ)
	enc.PutInt(dentryMagic<<32 | uint64(state))
	enc.PutInt(uint64(d.Parent))
	enc.PutInt(uint64(d.Inum))
	enc.PutInt(uint64(len(d.Name)))
	b := enc.Finish()
	copy(b[dentryNameOff:dentryNameOff+common.MAXNAME], d.Name)
	return sealRecord(b)
}

func decodeDentry(slot uint64, b []byte) (*dentrySlot, error) {
	b = b[:common.DENTRYSZ]
	if allZero(b) {
		return &dentrySlot{state: slotEmpty}, nil
	}
	dec := marshal.NewDec(b)
	w := dec.GetInt()
	if w>>32 != dentryMagic {
		return nil, errors.E(ErrRecordChecksum, fmt.Sprintf("dentry slot %d: bad magic", slot))
	}
	s := &dentrySlot{state: slotState(w & 0xffffffff)}
	s.d.Parent = common.Inum(dec.GetInt())
	s.d.Inum = common.Inum(dec.GetInt())
	n := dec.GetInt()
	if n > common.MAXNAME {
		return nil, errors.E(ErrRecordChecksum, fmt.Sprintf("dentry slot %d: name length %d", slot, n))
	}
	s.d.Name = string(b[dentryNameOff : dentryNameOff+n])
	if storedSum(b) != recordSum(b) {
		return nil, errors.E(ErrRecordChecksum, fmt.Sprintf("dentry slot %d", slot))
	}
	return s, nil
}

func checkName(name string) error {
	if len(name) == 0 || uint64(len(name)) > common.MAXNAME {
		return errors.E(ErrBadName, fmt.Sprintf("%q", name))
	}
	return nil
}
