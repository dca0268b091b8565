package super

import (
	"fmt"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bcache/common"
)

func (fs *Filesys) bitLoc(bn uint32) (common.Bnum, uint32, byte) {
	blk := fs.Super.BmapStart + common.Bnum(bn/common.NBITBLOCK)
	bit := bn % common.NBITBLOCK
	return blk, bit / 8, byte(1) << (bit % 8)
}

// Balloc allocates a zeroed data block.
func (fs *Filesys) Balloc() (common.Bnum, error) {
	fs.mu.Lock()
	bn, err := fs.allocBit()
	fs.mu.Unlock()
	if err != nil {
		return common.NULLBNUM, err
	}
	b, err := fs.bc.Bread(fs.Dev, bn)
	if err != nil {
		fs.bc.Brelse(b)
		if e := fs.Bfree(bn); e != nil {
			util.DPrintf(1, "Balloc %v: lost block %d: %v\n", fs, bn, e)
		}
		return common.NULLBNUM, err
	}
	for i := range b.Data {
		b.Data[i] = 0
	}
	err = fs.bc.Bwrite(b, false)
	fs.bc.Brelse(b)
	util.DPrintf(5, "Balloc %v -> %d\n", fs, bn)
	return bn, err
}

func (fs *Filesys) allocBit() (common.Bnum, error) {
	sb := fs.Super
	ndata := sb.Nblocks - uint32(sb.DataStart)
	bn := fs.next
	for n := uint32(0); n < ndata; n++ {
		if bn >= sb.Nblocks {
			bn = uint32(sb.DataStart)
		}
		blk, byteoff, mask := fs.bitLoc(bn)
		b, err := fs.bc.Bread(fs.Dev, blk)
		if err != nil {
			fs.bc.Brelse(b)
			return common.NULLBNUM, err
		}
		if b.Data[byteoff]&mask == 0 {
			b.Data[byteoff] |= mask
			err = fs.bc.Bwrite(b, false)
			fs.bc.Brelse(b)
			fs.next = bn + 1
			return common.Bnum(bn), err
		}
		fs.bc.Brelse(b)
		bn++
	}
	return common.NULLBNUM, fmt.Errorf("%v: %w", fs, common.ErrNoSpace)
}

// Bfree returns data block bn to the bitmap. Freeing a block that is
// not allocated is a fatal error.
func (fs *Filesys) Bfree(bn common.Bnum) error {
	if bn < fs.Super.DataStart || uint32(bn) >= fs.Super.Nblocks {
		panic(fmt.Sprintf("Bfree: %d out of range", bn))
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	blk, byteoff, mask := fs.bitLoc(uint32(bn))
	b, err := fs.bc.Bread(fs.Dev, blk)
	if err != nil {
		fs.bc.Brelse(b)
		return err
	}
	if b.Data[byteoff]&mask == 0 {
		fs.bc.Brelse(b)
		panic(fmt.Sprintf("Bfree: %d already free", bn))
	}
	b.Data[byteoff] &^= mask
	err = fs.bc.Bwrite(b, false)
	fs.bc.Brelse(b)
	util.DPrintf(5, "Bfree %v %d\n", fs, bn)
	return err
}

// Nfree counts the free data blocks.
func (fs *Filesys) Nfree() (uint32, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	sb := fs.Super
	var n uint32
	for bn := uint32(sb.DataStart); bn < sb.Nblocks; bn++ {
		blk, byteoff, mask := fs.bitLoc(bn)
		b, err := fs.bc.Bread(fs.Dev, blk)
		if err != nil {
			fs.bc.Brelse(b)
			return 0, err
		}
		if b.Data[byteoff]&mask == 0 {
			n++
		}
		fs.bc.Brelse(b)
	}
	return n, nil
}

// MarkUsed sets the bitmap bits of blocks [0, end). Used when formatting.
func (fs *Filesys) MarkUsed(end common.Bnum) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for bn := uint32(0); bn < uint32(end); bn++ {
		blk, byteoff, mask := fs.bitLoc(bn)
		b, err := fs.bc.Bread(fs.Dev, blk)
		if err != nil {
			fs.bc.Brelse(b)
			return err
		}
		b.Data[byteoff] |= mask
		err = fs.bc.Bwrite(b, false)
		fs.bc.Brelse(b)
		if err != nil {
			return err
		}
	}
	return nil
}
