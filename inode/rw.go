package inode

import (
	"fmt"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bcache/bcache"
	"github.com/mit-pdos/go-bcache/common"
)

// Readi reads into data from byte offset off and returns the number of
// bytes read, which is short at end of file. Holes read as zeroes. A
// sequential read starts fetching the next block. Caller holds ip's
// lock.
func (ip *Inode) Readi(data []byte, off uint64) (uint64, error) {
	if ip.Kind.IsDevice() {
		return 0, fmt.Errorf("readi %v: %w", ip, common.ErrNoDev)
	}
	size := uint64(ip.Size)
	if off >= size {
		return 0, nil
	}
	count := util.Min(uint64(len(data)), size-off)
	util.DPrintf(5, "Readi %v: off %d cnt %d\n", ip, off, count)
	bc := ip.ic.bc
	var n uint64
	for n < count {
		e, err := ip.Bmap(off + n)
		if err != nil {
			return n, err
		}
		nbytes := util.Min(uint64(e.N), count-n)
		if e.Bn == common.NULLBNUM {
			for i := uint64(0); i < nbytes; i++ {
				data[n+i] = 0
			}
			n += nbytes
			continue
		}
		var ra = common.NULLBNUM
		next := off + n + uint64(e.N)
		if next < size {
			if re, err := ip.Bmap(next); err == nil {
				ra = re.Bn
			}
		}
		var buf *bcache.Buf
		var rerr error
		if ra != common.NULLBNUM {
			buf, rerr = bc.Breada(ip.fs.Dev, e.Bn, ra)
		} else {
			buf, rerr = bc.Bread(ip.fs.Dev, e.Bn)
		}
		if rerr != nil {
			bc.Brelse(buf)
			return n, rerr
		}
		copy(data[n:n+nbytes], buf.Data[e.Off:e.Off+uint32(nbytes)])
		bc.Brelse(buf)
		n += nbytes
	}
	return n, nil
}

// Writei writes data at byte offset off, allocating blocks as needed,
// and grows the file if the write ends past its size. It returns the
// number of bytes written. Caller holds ip's lock.
func (ip *Inode) Writei(data []byte, off uint64) (uint64, error) {
	if ip.Kind.IsDevice() {
		return 0, fmt.Errorf("writei %v: %w", ip, common.ErrNoDev)
	}
	count := uint64(len(data))
	if util.SumOverflows(off, count) || off+count > MaxFileSize() {
		return 0, fmt.Errorf("writei %v off %d: %w", ip, off, common.ErrFileTooBig)
	}
	util.DPrintf(5, "Writei %v: off %d cnt %d\n", ip, off, count)
	bc := ip.ic.bc
	var n uint64
	var err error
	for n < count {
		o := off + n
		byteoff := uint32(o % uint64(common.BlockSize))
		nbytes := util.Min(uint64(common.BlockSize-byteoff), count-n)
		var bn common.Bnum
		bn, err = ip.bmapAlloc(uint32(o / uint64(common.BlockSize)))
		if err != nil {
			break
		}
		b, rerr := bc.Bread(ip.fs.Dev, bn)
		if rerr != nil {
			bc.Brelse(b)
			err = rerr
			break
		}
		copy(b.Data[byteoff:byteoff+uint32(nbytes)], data[n:n+nbytes])
		err = bc.Bwrite(b, false)
		bc.Brelse(b)
		if err != nil {
			break
		}
		n += nbytes
	}
	if n > 0 {
		if off+n > uint64(ip.Size) {
			ip.Size = uint32(off + n)
		}
		ip.Mtime = now()
		ip.dirty = true
	}
	return n, err
}
