package super

import (
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bcache/bcache"
	"github.com/mit-pdos/go-bcache/common"
)

const MAGIC uint32 = 0x0b5e0b5e

// Super is the in-core copy of a filesystem's superblock. Block 0 is
// the boot block and block 1 the superblock; the block bitmap, the
// inode table and the data blocks follow in that order.
type Super struct {
	Nblocks    uint32
	Ninodes    uint32
	BmapStart  common.Bnum
	Nbmap      uint32
	InodeStart common.Bnum
	NinodeBlk  uint32
	DataStart  common.Bnum
}

// MkSuper lays out a filesystem of nblocks blocks with room for at
// least ninodes inodes.
func MkSuper(nblocks uint32, ninodes uint32) *Super {
	nbmap := (nblocks + common.NBITBLOCK - 1) / common.NBITBLOCK
	ninodeblk := (ninodes + 1 + common.INODEBLK - 1) / common.INODEBLK
	sb := &Super{
		Nblocks:    nblocks,
		Ninodes:    ninodeblk*common.INODEBLK - 1,
		BmapStart:  common.SUPERBLOCK + 1,
		Nbmap:      nbmap,
		NinodeBlk:  ninodeblk,
	}
	sb.InodeStart = sb.BmapStart + common.Bnum(nbmap)
	sb.DataStart = sb.InodeStart + common.Bnum(ninodeblk)
	return sb
}

func (sb *Super) String() string {
	return fmt.Sprintf("nblocks %d ninodes %d bmap %d+%d inodes %d+%d data %d",
		sb.Nblocks, sb.Ninodes, sb.BmapStart, sb.Nbmap, sb.InodeStart,
		sb.NinodeBlk, sb.DataStart)
}

func (sb *Super) Encode() []byte {
	enc := marshal.NewEnc(uint64(common.BlockSize))
	enc.PutInt32(MAGIC)
	enc.PutInt32(sb.Nblocks)
	enc.PutInt32(sb.Ninodes)
	enc.PutInt32(uint32(sb.BmapStart))
	enc.PutInt32(sb.Nbmap)
	enc.PutInt32(uint32(sb.InodeStart))
	enc.PutInt32(sb.NinodeBlk)
	enc.PutInt32(uint32(sb.DataStart))
	return enc.Finish()
}

func Decode(data []byte) (*Super, error) {
	dec := marshal.NewDec(data)
	if dec.GetInt32() != MAGIC {
		return nil, common.ErrBadFs
	}
	sb := &Super{}
	sb.Nblocks = dec.GetInt32()
	sb.Ninodes = dec.GetInt32()
	sb.BmapStart = common.Bnum(dec.GetInt32())
	sb.Nbmap = dec.GetInt32()
	sb.InodeStart = common.Bnum(dec.GetInt32())
	sb.NinodeBlk = dec.GetInt32()
	sb.DataStart = common.Bnum(dec.GetInt32())
	if err := sb.check(); err != nil {
		return nil, err
	}
	return sb, nil
}

func (sb *Super) check() error {
	if sb.BmapStart <= common.SUPERBLOCK ||
		sb.InodeStart != sb.BmapStart+common.Bnum(sb.Nbmap) ||
		sb.DataStart != sb.InodeStart+common.Bnum(sb.NinodeBlk) ||
		uint32(sb.DataStart) >= sb.Nblocks ||
		sb.Nbmap*common.NBITBLOCK < sb.Nblocks ||
		sb.Ninodes >= sb.NinodeBlk*common.INODEBLK {
		return fmt.Errorf("%v: %w", sb, common.ErrBadFs)
	}
	return nil
}

func ReadSuper(bc *bcache.Bcache, dev common.Dev) (*Super, error) {
	b, err := bc.Bread(dev, common.SUPERBLOCK)
	if err != nil {
		bc.Brelse(b)
		return nil, err
	}
	sb, err := Decode(b.Data)
	bc.Brelse(b)
	if err != nil {
		return nil, err
	}
	util.DPrintf(1, "ReadSuper %v: %v\n", dev, sb)
	return sb, nil
}

func (sb *Super) Write(bc *bcache.Bcache, dev common.Dev) error {
	b, err := bc.Bread(dev, common.SUPERBLOCK)
	if err != nil {
		bc.Brelse(b)
		return err
	}
	copy(b.Data, sb.Encode())
	err = bc.Bwrite(b, true)
	bc.Brelse(b)
	return err
}

// InodeBlock returns the block holding inode inum and the record's
// byte offset in that block.
func (sb *Super) InodeBlock(inum common.Inum) (common.Bnum, uint32) {
	if inum == common.NULLINUM || uint32(inum) > sb.Ninodes {
		panic("InodeBlock")
	}
	bn := sb.InodeStart + common.Bnum(uint32(inum)/common.INODEBLK)
	off := (uint32(inum) % common.INODEBLK) * common.INODESZ
	return bn, off
}
