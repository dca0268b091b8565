package inode

import (
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bcache/common"
)

//
// Block map. Reference slots 0..NDIRECT-1 name data blocks; the slots
// after them name trees of indirect blocks, NSINGLE of depth one, then
// NDOUBLE of depth two and NTRIPLE of depth three.
//

var nslot = [common.NINDLEVEL + 1]uint32{common.NDIRECT, common.NSINGLE, common.NDOUBLE, common.NTRIPLE}

// pow returns the number of data blocks under one reference at level.
func pow(level uint32) uint32 {
	var p uint32 = 1
	for i := uint32(0); i < level; i++ {
		p = p * common.NBLKBLK
	}
	return p
}

func MaxFileBlocks() uint32 {
	var n uint32
	for level := uint32(0); level <= common.NINDLEVEL; level++ {
		n += nslot[level] * pow(level)
	}
	return n
}

func MaxFileSize() uint64 {
	return uint64(MaxFileBlocks()) * uint64(common.BlockSize)
}

// slotLevel returns the indirection level of reference slot slot.
func slotLevel(slot uint32) uint32 {
	base := uint32(0)
	for level := uint32(0); level <= common.NINDLEVEL; level++ {
		base += nslot[level]
		if slot < base {
			return level
		}
	}
	panic("slotLevel")
}

// locate returns the reference slot holding logical block lbn, the
// slot's indirection level, and lbn's index among the data blocks
// under that slot.
func locate(lbn uint32) (uint32, uint32, uint32, bool) {
	var base uint32
	for level := uint32(0); level <= common.NINDLEVEL; level++ {
		span := pow(level)
		if lbn < nslot[level]*span {
			return base + lbn/span, level, lbn % span, true
		}
		lbn -= nslot[level] * span
		base += nslot[level]
	}
	return 0, 0, 0, false
}

func getRef(blk []byte, k uint32) common.Bnum {
	dec := marshal.NewDec(blk[4*k : 4*k+4])
	return common.Bnum(dec.GetInt32())
}

func putRef(blk []byte, k uint32, bn common.Bnum) {
	enc := marshal.NewEnc(4)
	enc.PutInt32(uint32(bn))
	copy(blk[4*k:4*k+4], enc.Finish())
}

func getRefs(blk []byte) []common.Bnum {
	dec := marshal.NewDec(blk)
	refs := make([]common.Bnum, common.NBLKBLK)
	for i := range refs {
		refs[i] = common.Bnum(dec.GetInt32())
	}
	return refs
}

// Extent is where a file offset lives on disk.
type Extent struct {
	Bn  common.Bnum // NULLBNUM for a hole
	Off uint32      // offset within Bn
	N   uint32      // bytes from Off to the end of the block
}

func (ip *Inode) checkMapped(who string) {
	if ip.Kind.IsDevice() {
		panic(who + ": device inode")
	}
}

func (ip *Inode) readRef(ind common.Bnum, k uint32) (common.Bnum, error) {
	bc := ip.ic.bc
	b, err := bc.Bread(ip.fs.Dev, ind)
	if err != nil {
		bc.Brelse(b)
		return common.NULLBNUM, err
	}
	bn := getRef(b.Data, k)
	bc.Brelse(b)
	return bn, nil
}

// Bmap maps byte offset off of ip to a block, without allocating.
// Caller holds ip's lock.
func (ip *Inode) Bmap(off uint64) (Extent, error) {
	ip.checkMapped("Bmap")
	e := Extent{Off: uint32(off % uint64(common.BlockSize))}
	e.N = common.BlockSize - e.Off
	if off >= MaxFileSize() {
		return e, fmt.Errorf("bmap %d: %w", off, common.ErrFileTooBig)
	}
	slot, level, idx, _ := locate(uint32(off / uint64(common.BlockSize)))
	bn := ip.addrs[slot]
	for ; level > 0 && bn != common.NULLBNUM; level-- {
		span := pow(level - 1)
		next, err := ip.readRef(bn, idx/span)
		if err != nil {
			return e, err
		}
		bn = next
		idx = idx % span
	}
	e.Bn = bn
	return e, nil
}

// allocRef returns reference k of indirect block ind, allocating a
// block for it first if it is null.
func (ip *Inode) allocRef(ind common.Bnum, k uint32) (common.Bnum, error) {
	bc := ip.ic.bc
	b, err := bc.Bread(ip.fs.Dev, ind)
	if err != nil {
		bc.Brelse(b)
		return common.NULLBNUM, err
	}
	bn := getRef(b.Data, k)
	if bn == common.NULLBNUM {
		bn, err = ip.fs.Balloc()
		if err == nil {
			putRef(b.Data, k, bn)
			err = bc.Bwrite(b, false)
		}
	}
	bc.Brelse(b)
	return bn, err
}

// bmapAlloc maps logical block lbn to a block, allocating the data
// block and any missing indirect blocks. Caller holds ip's lock.
func (ip *Inode) bmapAlloc(lbn uint32) (common.Bnum, error) {
	slot, level, idx, ok := locate(lbn)
	if !ok {
		return common.NULLBNUM, common.ErrFileTooBig
	}
	if ip.addrs[slot] == common.NULLBNUM {
		bn, err := ip.fs.Balloc()
		if err != nil {
			return common.NULLBNUM, err
		}
		ip.addrs[slot] = bn
		ip.dirty = true
	}
	bn := ip.addrs[slot]
	for ; level > 0; level-- {
		span := pow(level - 1)
		next, err := ip.allocRef(bn, idx/span)
		if err != nil {
			return common.NULLBNUM, err
		}
		bn = next
		idx = idx % span
	}
	util.DPrintf(10, "bmapAlloc %v %d -> %d\n", ip, lbn, bn)
	return bn, nil
}

// freeTree frees bn and, if it is an indirect block at level > 0,
// every block it references. The parent stays held while its children
// are freed, and each reference is zeroed once its subtree is gone, so
// a failed walk can be retried without freeing a block twice.
func (ip *Inode) freeTree(bn common.Bnum, level uint32) error {
	if level > 0 {
		bc := ip.ic.bc
		b, err := bc.Bread(ip.fs.Dev, bn)
		if err != nil {
			bc.Brelse(b)
			return err
		}
		cleared := false
		for k, r := range getRefs(b.Data) {
			if r == common.NULLBNUM {
				continue
			}
			err = ip.freeTree(r, level-1)
			if err != nil {
				break
			}
			putRef(b.Data, uint32(k), common.NULLBNUM)
			cleared = true
		}
		if cleared {
			bc.Bwrite(b, false)
		}
		bc.Brelse(b)
		if err != nil {
			return err
		}
	}
	return ip.fs.Bfree(bn)
}

// Itrunc frees every block of ip and sets its size to zero. Caller
// holds ip's lock.
func (ip *Inode) Itrunc() error {
	util.DPrintf(5, "Itrunc %v\n", ip)
	if !ip.Kind.IsDevice() {
		for slot := uint32(0); slot < common.NADDR; slot++ {
			bn := ip.addrs[slot]
			if bn == common.NULLBNUM {
				continue
			}
			if err := ip.freeTree(bn, slotLevel(slot)); err != nil {
				return err
			}
			ip.addrs[slot] = common.NULLBNUM
			ip.dirty = true
		}
	}
	if ip.Size != 0 {
		ip.Size = 0
		ip.dirty = true
	}
	return nil
}
