package wal

import (
	"github.com/mit-pdos/go-fsjournal/disk"
	"github.com/mit-pdos/go-fsjournal/util"
)

// InstallBlocks writes updates to their home locations. It issues no
// barrier; callers that go on to release log space must barrier first.
//
// Normal checkpoints and recovery replay both install through here.
func InstallBlocks(d disk.Disk, bufs []Update) error {
	for i, buf := range bufs {
		util.DPrintf(5, "installBlocks: write %d/%d to %d\n", i+1, len(bufs), buf.Addr)
		if err := d.Write(buf.Addr, buf.Block); err != nil {
			return err
		}
	}
	return nil
}

// Install is InstallBlocks against the log's disk, followed by a barrier.
func (l *Log) Install(bufs []Update) error {
	if len(bufs) == 0 {
		return nil
	}
	if err := InstallBlocks(l.d, bufs); err != nil {
		return err
	}
	return l.d.Barrier()
}
