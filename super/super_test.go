package super

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-bcache/bcache"
	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/device"
)

var dev = common.MkDev(0, 0)

func mkTable(t *testing.T, nblocks uint32, ninodes uint32) (*Table, *Filesys) {
	drv := device.NewMemDriver(device.NewMemUnit(uint64(nblocks)))
	return mkTableOn(t, drv, nblocks, ninodes)
}

func mkTableOn(t *testing.T, drv *device.MemDriver, nblocks uint32, ninodes uint32) (*Table, *Filesys) {
	bc := bcache.MkBcache(32, 13, []bcache.Driver{drv})
	sb := MkSuper(nblocks, ninodes)
	require.NoError(t, sb.Write(bc, dev))
	tbl := MkTable(bc)
	fs, err := tbl.Mount(1, dev)
	require.NoError(t, err)
	require.NoError(t, fs.MarkUsed(sb.DataStart))
	return tbl, fs
}

func TestLayout(t *testing.T) {
	sb := MkSuper(8192, 100)
	assert.Equal(t, common.Bnum(2), sb.BmapStart)
	assert.Equal(t, uint32(2), sb.Nbmap)
	assert.Equal(t, common.Bnum(4), sb.InodeStart)
	assert.Equal(t, uint32(26), sb.NinodeBlk)
	assert.Equal(t, uint32(103), sb.Ninodes)
	assert.Equal(t, common.Bnum(30), sb.DataStart)

	bn, off := sb.InodeBlock(1)
	assert.Equal(t, sb.InodeStart, bn)
	assert.Equal(t, common.INODESZ, off)
	bn, off = sb.InodeBlock(4)
	assert.Equal(t, sb.InodeStart+1, bn)
	assert.Equal(t, uint32(0), off)
	assert.Panics(t, func() { sb.InodeBlock(0) })
	assert.Panics(t, func() { sb.InodeBlock(104) })
}

func TestEncodeDecode(t *testing.T) {
	sb := MkSuper(2000, 64)
	data := sb.Encode()
	assert.Equal(t, int(common.BlockSize), len(data))
	sb2, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, sb, sb2)

	_, err = Decode(make([]byte, common.BlockSize))
	assert.ErrorIs(t, err, common.ErrBadFs)

	sb.DataStart++
	_, err = Decode(sb.Encode())
	assert.ErrorIs(t, err, common.ErrBadFs)
}

func TestMount(t *testing.T) {
	tbl, fs := mkTable(t, 1000, 32)
	assert.Equal(t, uint32(1), fs.Fsno)
	fs2, err := tbl.Lookup(1)
	require.NoError(t, err)
	assert.Same(t, fs, fs2)

	_, err = tbl.Mount(1, dev)
	assert.ErrorIs(t, err, common.ErrExists)
	_, err = tbl.Mount(2, dev)
	assert.ErrorIs(t, err, common.ErrExists)
	_, err = tbl.Mount(3, common.MkDev(0, 4))
	assert.ErrorIs(t, err, common.ErrNoDev)

	require.NoError(t, tbl.Unmount(1))
	_, err = tbl.Lookup(1)
	assert.ErrorIs(t, err, common.ErrNoFs)
	assert.ErrorIs(t, tbl.Unmount(1), common.ErrNoFs)
	tbl.Bcache().CheckInvariants()
}

func TestBalloc(t *testing.T) {
	tbl, fs := mkTable(t, 300, 16)
	ndata := fs.Super.Nblocks - uint32(fs.Super.DataStart)
	n, err := fs.Nfree()
	require.NoError(t, err)
	assert.Equal(t, ndata, n)

	seen := make(map[common.Bnum]bool)
	for i := uint32(0); i < ndata; i++ {
		bn, err := fs.Balloc()
		require.NoError(t, err)
		assert.False(t, seen[bn])
		assert.True(t, bn >= fs.Super.DataStart)
		seen[bn] = true
	}
	_, err = fs.Balloc()
	assert.ErrorIs(t, err, common.ErrNoSpace)

	require.NoError(t, fs.Bfree(fs.Super.DataStart+3))
	bn, err := fs.Balloc()
	require.NoError(t, err)
	assert.Equal(t, fs.Super.DataStart+3, bn)

	require.NoError(t, fs.Bfree(bn))
	assert.Panics(t, func() { fs.Bfree(bn) })
	assert.Panics(t, func() { fs.Bfree(1) })
	require.NoError(t, tbl.Sync())
	tbl.Bcache().CheckInvariants()
}

func TestBallocZeroes(t *testing.T) {
	tbl, fs := mkTable(t, 300, 16)
	bc := tbl.Bcache()
	bn, err := fs.Balloc()
	require.NoError(t, err)
	b, err := bc.Bread(fs.Dev, bn)
	require.NoError(t, err)
	for i := range b.Data {
		b.Data[i] = 0xff
	}
	require.NoError(t, bc.Bwrite(b, true))
	bc.Brelse(b)
	require.NoError(t, fs.Bfree(bn))

	bn2, err := fs.Balloc()
	require.NoError(t, err)
	if bn2 != bn {
		return
	}
	b, err = bc.Bread(fs.Dev, bn)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, common.BlockSize), b.Data)
	bc.Brelse(b)
}

func TestBallocReadError(t *testing.T) {
	drv := device.NewMemDriver(device.NewMemUnit(300))
	tbl, fs := mkTableOn(t, drv, 300, 16)
	ndata := fs.Super.Nblocks - uint32(fs.Super.DataStart)

	drv.SetFault(0, fs.Super.DataStart, true)
	_, err := fs.Balloc()
	assert.ErrorIs(t, err, common.ErrIO)
	n, err := fs.Nfree()
	require.NoError(t, err)
	assert.Equal(t, ndata, n)

	drv.SetFault(0, fs.Super.DataStart, false)
	_, err = fs.Balloc()
	require.NoError(t, err)
	n, err = fs.Nfree()
	require.NoError(t, err)
	assert.Equal(t, ndata-1, n)
	tbl.Bcache().CheckInvariants()
}
