package device

import (
	"sync"

	"github.com/mit-pdos/go-journal/lockmap"
	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-bcache/bcache"
	"github.com/mit-pdos/go-bcache/common"
)

// SECTPERBLK sectors are packed into each block of the backing disk.
const SECTPERBLK uint64 = disk.BlockSize / uint64(common.BlockSize)

// MemDriver serves each minor unit from a goose disk (memory or file
// backed). Transfers complete asynchronously; transfers touching the
// same backing block are serialized.
type MemDriver struct {
	mu     *sync.Mutex
	units  []disk.Disk
	faults map[uint64]bool
	locks  *lockmap.LockMap
}

func NewMemDriver(units ...disk.Disk) *MemDriver {
	return &MemDriver{
		mu:     new(sync.Mutex),
		units:  units,
		faults: make(map[uint64]bool),
		locks:  lockmap.MkLockMap(),
	}
}

// NewMemUnit returns a zeroed memory disk holding at least nsect sectors.
func NewMemUnit(nsect uint64) disk.Disk {
	return disk.NewMemDisk((nsect + SECTPERBLK - 1) / SECTPERBLK)
}

// NewFileUnit returns a goose file disk holding at least nsect sectors.
func NewFileUnit(path string, nsect uint64) (disk.Disk, error) {
	return disk.NewFileDisk(path, (nsect+SECTPERBLK-1)/SECTPERBLK)
}

func flataddr(minor uint16, a uint64) uint64 {
	return uint64(minor)<<48 | a
}

// Nsect returns the number of sectors of unit minor.
func (d *MemDriver) Nsect(minor uint16) uint64 {
	if int(minor) >= len(d.units) {
		return 0
	}
	return d.units[minor].Size() * SECTPERBLK
}

// SetFault makes every transfer of sector bn on unit minor fail.
func (d *MemDriver) SetFault(minor uint16, bn common.Bnum, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fail {
		d.faults[flataddr(minor, uint64(bn))] = true
	} else {
		delete(d.faults, flataddr(minor, uint64(bn)))
	}
}

func (d *MemDriver) faulty(minor uint16, bn uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.faults[flataddr(minor, bn)]
}

func (d *MemDriver) Strategy(minor uint16, b *bcache.Buf) {
	if int(minor) >= len(d.units) {
		b.IODone(common.ErrNoDev)
		return
	}
	bn := uint64(b.Blkno())
	if bn >= d.Nsect(minor) || d.faulty(minor, bn) {
		util.DPrintf(5, "MemDriver: %d/%d out of range or faulty\n", minor, bn)
		b.IODone(common.ErrIO)
		return
	}
	write := b.IsWrite()
	u := d.units[minor]
	go func() {
		d.transfer(u, minor, bn, b, write)
	}()
}

func (d *MemDriver) transfer(u disk.Disk, minor uint16, bn uint64, b *bcache.Buf, write bool) {
	a := bn / SECTPERBLK
	off := (bn % SECTPERBLK) * uint64(common.BlockSize)
	d.locks.Acquire(flataddr(minor, a))
	blk := u.Read(a)
	if write {
		copy(blk[off:off+uint64(common.BlockSize)], b.Data)
		u.Write(a, blk)
	} else {
		copy(b.Data, blk[off:off+uint64(common.BlockSize)])
	}
	d.locks.Release(flataddr(minor, a))
	b.IODone(nil)
}

// Barrier flushes every unit to stable storage.
func (d *MemDriver) Barrier() {
	for _, u := range d.units {
		u.Barrier()
	}
}

func (d *MemDriver) Close() {
	for _, u := range d.units {
		u.Close()
	}
}
