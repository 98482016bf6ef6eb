package alloc

import (
	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/logging"
	"github.com/mit-pdos/go-fsjournal/metrics"
)

// Ownership is what the metadata says is in use: blocks referenced by a
// live inode and inodes with a nonzero link count.
type Ownership struct {
	Blocks map[common.Bnum]bool
	Inodes map[common.Inum]bool
}

func NewOwnership() *Ownership {
	return &Ownership{
		Blocks: make(map[common.Bnum]bool),
		Inodes: make(map[common.Inum]bool),
	}
}

type OrphanAction int

const (
	// Reclaim: allocated in the bitmap but owned by nothing; freed.
	Reclaim OrphanAction = iota
	// Reattach: owned by a live record but free in the bitmap; marked
	// allocated again.
	Reattach
)

func (a OrphanAction) String() string {
	if a == Reattach {
		return "reattach"
	}
	return "reclaim"
}

type Orphan struct {
	Inode  bool
	Num    uint64
	Action OrphanAction
}

func (a *Allocator) reconcileBitmap(txn Txn, g *Group, k bitmapKind, owned func(bit uint64) bool) ([]Orphan, error) {
	g.mu.Lock()
	bs, n := g.bits(k)
	var set, clear []uint64
	for bit := uint64(0); bit < n; bit++ {
		isSet := bs.Test(uint(bit))
		own := owned(bit)
		if isSet && !own {
			clear = append(clear, bit)
		} else if !isSet && own {
			set = append(set, bit)
		}
	}
	g.mu.Unlock()
	if len(set) == 0 && len(clear) == 0 {
		return nil, nil
	}
	if err := a.lock(txn, g, k); err != nil {
		return nil, err
	}
	if err := a.update(txn, g, k, set, clear); err != nil {
		return nil, err
	}
	var orphans []Orphan
	base := uint64(g.dataStart)
	if k == inodeMap {
		base = uint64(g.inodeBase)
	}
	for _, b := range clear {
		orphans = append(orphans, Orphan{Inode: k == inodeMap, Num: base + b, Action: Reclaim})
	}
	for _, b := range set {
		orphans = append(orphans, Orphan{Inode: k == inodeMap, Num: base + b, Action: Reattach})
	}
	return orphans, nil
}

// Reconcile makes every bitmap agree with own and rewrites each changed
// group's descriptor, so free counts equal total minus popcount again. The
// null and root inodes always count as owned.
func (a *Allocator) Reconcile(txn Txn, own *Ownership) ([]Orphan, error) {
	var orphans []Orphan
	for _, g := range a.groups {
		o, err := a.reconcileBitmap(txn, g, blockMap, func(bit uint64) bool {
			return own.Blocks[g.dataStart+bit]
		})
		if err != nil {
			return nil, err
		}
		orphans = append(orphans, o...)
		o, err = a.reconcileBitmap(txn, g, inodeMap, func(bit uint64) bool {
			inum := g.inodeBase + common.Inum(bit)
			return inum == common.NULLINUM || inum == common.ROOTINUM || own.Inodes[inum]
		})
		if err != nil {
			return nil, err
		}
		orphans = append(orphans, o...)
	}
	var reclaimed []common.Bnum
	for _, o := range orphans {
		kind := "block"
		if o.Inode {
			kind = "inode"
		} else if o.Action == Reclaim {
			reclaimed = append(reclaimed, o.Num)
		}
		metrics.RecordOrphan(kind, o.Action.String())
		logging.Info().Str("kind", kind).Uint64("num", o.Num).Str("action", o.Action.String()).Msg("orphan")
	}
	if len(reclaimed) > 0 {
		txn.Revoke(reclaimed...)
	}
	return orphans, nil
}

// RewriteDescriptors journals the current descriptor of each listed group,
// sealing a descriptor that was rebuilt at load time.
func (a *Allocator) RewriteDescriptors(txn Txn, groups []uint64) error {
	for _, gi := range groups {
		g := a.groups[gi]
		if err := txn.GetWriteAccess(a.l.GroupDesc(gi).Blkno); err != nil {
			return err
		}
		g.mu.Lock()
		rec := g.desc.Encode()
		g.mu.Unlock()
		gd := a.l.GroupDesc(gi)
		if err := txn.Dirty(gd.Blkno, gd.Off, rec); err != nil {
			return err
		}
	}
	return nil
}
