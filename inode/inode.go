package inode

import (
	"fmt"
	"time"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/super"
	"github.com/mit-pdos/go-bcache/util/ring"
)

// Inode is an in-core inode. The cache-control fields belong to the
// Icache and are protected by its mutex; the on-disk fields are
// protected by the inode lock (Icache.Ilock).
type Inode struct {
	// in-memory info:
	ic     *Icache
	idx    int32
	fs     *super.Filesys
	fsno   uint32
	inum   common.Inum
	ref    int
	locked bool
	dirty  bool
	hash   ring.Link
	free   ring.Link

	// the on-disk inode:
	Kind  common.Kind
	Uid   uint32
	Gid   uint32
	Mode  uint32
	Mtime uint32
	Ctime uint32
	Nlink uint32
	Size  uint32

	// Device inodes keep their device number in rdev; all others map
	// their contents through addrs. On disk both share the reference
	// table.
	addrs [common.NADDR]common.Bnum
	rdev  common.Dev
}

func now() uint32 {
	return uint32(time.Now().Unix())
}

func (ip *Inode) Fsno() uint32 {
	return ip.fsno
}

func (ip *Inode) Inum() common.Inum {
	return ip.inum
}

func (ip *Inode) Filesys() *super.Filesys {
	return ip.fs
}

func (ip *Inode) String() string {
	if ip.Kind.IsDevice() {
		return fmt.Sprintf("# (%d, %d) %v n %d dev %v", ip.fsno, ip.inum,
			ip.Kind, ip.Nlink, ip.rdev)
	}
	return fmt.Sprintf("# (%d, %d) %v n %d sz %d %v", ip.fsno, ip.inum,
		ip.Kind, ip.Nlink, ip.Size, ip.addrs)
}

// Rdev returns the device number of a CHR or BLK inode.
func (ip *Inode) Rdev() common.Dev {
	if !ip.Kind.IsDevice() {
		panic("Rdev: not a device")
	}
	return ip.rdev
}

func (ip *Inode) SetRdev(dev common.Dev) {
	if !ip.Kind.IsDevice() {
		panic("SetRdev: not a device")
	}
	ip.rdev = dev
	ip.dirty = true
}

// Addrs returns a copy of the reference table.
func (ip *Inode) Addrs() []common.Bnum {
	if ip.Kind.IsDevice() {
		panic("Addrs: device inode")
	}
	a := make([]common.Bnum, common.NADDR)
	copy(a, ip.addrs[:])
	return a
}

// MarkDirty records that the on-disk fields changed. Caller holds the
// inode lock.
func (ip *Inode) MarkDirty() {
	ip.dirty = true
}

func (ip *Inode) Dirty() bool {
	return ip.dirty
}

func (ip *Inode) encode() []byte {
	enc := marshal.NewEnc(uint64(common.INODESZ))
	enc.PutInt32(uint32(ip.Kind))
	enc.PutInt32(ip.Uid)
	enc.PutInt32(ip.Gid)
	enc.PutInt32(ip.Mode)
	enc.PutInt32(ip.Mtime)
	enc.PutInt32(ip.Ctime)
	enc.PutInt32(ip.Nlink)
	enc.PutInt32(ip.Size)
	for i := uint32(0); i < common.NADDR; i++ {
		switch {
		case !ip.Kind.IsDevice():
			enc.PutInt32(uint32(ip.addrs[i]))
		case i == 0:
			enc.PutInt32(uint32(ip.rdev))
		default:
			enc.PutInt32(0)
		}
	}
	return enc.Finish()
}

func (ip *Inode) decode(data []byte) {
	dec := marshal.NewDec(data)
	ip.Kind = common.Kind(dec.GetInt32())
	ip.Uid = dec.GetInt32()
	ip.Gid = dec.GetInt32()
	ip.Mode = dec.GetInt32()
	ip.Mtime = dec.GetInt32()
	ip.Ctime = dec.GetInt32()
	ip.Nlink = dec.GetInt32()
	ip.Size = dec.GetInt32()
	ip.rdev = 0
	for i := uint32(0); i < common.NADDR; i++ {
		ip.addrs[i] = common.Bnum(dec.GetInt32())
	}
	if ip.Kind.IsDevice() {
		ip.rdev = common.Dev(ip.addrs[0])
		ip.addrs = [common.NADDR]common.Bnum{}
	}
}

// clear resets the on-disk fields for a newly allocated inode.
func (ip *Inode) clear(kind common.Kind) {
	t := now()
	ip.Kind = kind
	ip.Uid = 0
	ip.Gid = 0
	ip.Mode = 0644
	if kind == common.DIR {
		ip.Mode = 0755
	}
	ip.Mtime = t
	ip.Ctime = t
	ip.Nlink = 0
	ip.Size = 0
	ip.addrs = [common.NADDR]common.Bnum{}
	ip.rdev = 0
	ip.dirty = true
}

// load reads ip's record from the inode table. Caller holds the
// inode lock.
func (ip *Inode) load() error {
	bc := ip.ic.bc
	bn, off := ip.fs.InodeBlock(ip.inum)
	b, err := bc.Bread(ip.fs.Dev, bn)
	if err != nil {
		bc.Brelse(b)
		return err
	}
	ip.decode(b.Data[off : off+common.INODESZ])
	bc.Brelse(b)
	ip.dirty = false
	return nil
}

// update writes ip's record back with a delayed write. Caller holds
// the inode lock.
func (ip *Inode) update() error {
	bc := ip.ic.bc
	bn, off := ip.fs.InodeBlock(ip.inum)
	b, err := bc.Bread(ip.fs.Dev, bn)
	if err != nil {
		bc.Brelse(b)
		return err
	}
	copy(b.Data[off:off+common.INODESZ], ip.encode())
	err = bc.Bwrite(b, false)
	bc.Brelse(b)
	if err == nil {
		ip.dirty = false
	}
	return err
}
