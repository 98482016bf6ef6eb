package meta

import (
	"github.com/mit-pdos/go-fsjournal/alloc"
	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/disk"
)

// Ownership reads the inode table straight from d and collects what the
// live inodes own: themselves and their direct blocks. It runs after replay,
// before any transaction.
func (j *Journal) Ownership(d disk.Disk) (*alloc.Ownership, error) {
	own := alloc.NewOwnership()
	ninodes := j.l.NInodes()
	err := disk.ReadChunk(d, j.l.InodeStart, j.l.TableBlocks, func(i uint64, b disk.Block) error {
		for k := uint64(0); k < common.INODEBLK; k++ {
			inum := common.Inum(i*common.INODEBLK + k)
			if inum == common.NULLINUM || uint64(inum) >= ninodes {
				continue
			}
			ip, err := DecodeInode(inum, b[k*common.INODESZ:(k+1)*common.INODESZ])
			if err != nil {
				return err
			}
			if !ip.Live() {
				continue
			}
			own.Inodes[inum] = true
			for _, bn := range ip.Blocks() {
				if j.l.Kind(bn) == common.KindData {
					own.Blocks[bn] = true
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return own, nil
}
