package addr

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mit-pdos/go-fsjournal/common"
)

func TestRecordAddr(t *testing.T) {
	assert := assert.New(t)
	a := MkRecordAddr(100, 0, common.INODESZ)
	assert.Equal(MkAddr(100, 0), a)
	a = MkRecordAddr(100, common.INODEBLK+3, common.INODESZ)
	assert.Equal(common.Bnum(101), a.Blkno)
	assert.Equal(3*common.INODESZ, a.Off)
	assert.Less(MkAddr(5, 4000).Flatid(), MkAddr(6, 0).Flatid())
	assert.Equal("101+384", a.String())
}
