package inode

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bcache/bcache"
	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/super"
	"github.com/mit-pdos/go-bcache/util/ring"
)

//
// In-core inode cache: a fixed arena of inodes with hash chains keyed
// by (fsno, inum) and a free list of unreferenced inodes. Unlike the
// buffer cache, running out of free inodes is an error, not a wait.
//

type Icache struct {
	mu       *sync.Mutex
	unlocked *sync.Cond // some inode lock was released

	bc     *bcache.Bcache
	tbl    *super.Table
	inodes []Inode
	hash   []ring.Ring
	free   ring.Ring
}

func MkIcache(bc *bcache.Bcache, tbl *super.Table, ninode int) *Icache {
	if ninode <= 0 {
		panic("MkIcache")
	}
	mu := new(sync.Mutex)
	ic := &Icache{
		mu:       mu,
		unlocked: sync.NewCond(mu),
		bc:       bc,
		tbl:      tbl,
		inodes:   make([]Inode, ninode),
		hash:     make([]ring.Ring, (ninode+3)/4),
	}
	ic.free = ring.Mk(func(i int32) *ring.Link { return &ic.inodes[i].free })
	for i := range ic.hash {
		ic.hash[i] = ring.Mk(func(i int32) *ring.Link { return &ic.inodes[i].hash })
	}
	for i := range ic.inodes {
		ip := &ic.inodes[i]
		ip.ic = ic
		ip.idx = int32(i)
		ip.hash = ring.Unlinked()
		ip.free = ring.Unlinked()
		ic.free.PushBack(ip.idx)
	}
	return ic
}

func (ic *Icache) Bcache() *bcache.Bcache {
	return ic.bc
}

func (ic *Icache) Table() *super.Table {
	return ic.tbl
}

func (ic *Icache) bucket(fsno uint32, inum common.Inum) *ring.Ring {
	h := (fsno*31 + uint32(inum)) % uint32(len(ic.hash))
	return &ic.hash[h]
}

func (ic *Icache) lookup(fsno uint32, inum common.Inum) *Inode {
	var found *Inode
	ic.bucket(fsno, inum).Apply(len(ic.inodes), func(i int32) {
		ip := &ic.inodes[i]
		if found == nil && ip.fsno == fsno && ip.inum == inum {
			found = ip
		}
	})
	return found
}

func (ic *Icache) unhash(ip *Inode) {
	if ip.hash.Linked() {
		ic.bucket(ip.fsno, ip.inum).Remove(ip.idx)
	}
	ip.fs = nil
	ip.fsno = 0
	ip.inum = common.NULLINUM
}

// Iget returns inode inum of filesystem fsno with its reference count
// incremented. It fails with ErrNoInodes if the inode is not cached and
// every cached inode is referenced.
func (ic *Icache) Iget(fsno uint32, inum common.Inum) (*Inode, error) {
	fs, err := ic.tbl.Lookup(fsno)
	if err != nil {
		return nil, err
	}
	if inum == common.NULLINUM || uint32(inum) > fs.Super.Ninodes {
		return nil, fmt.Errorf("iget %d: %w", inum, common.ErrInval)
	}
	ic.mu.Lock()
	for {
		ip := ic.lookup(fsno, inum)
		if ip == nil {
			break
		}
		if ip.locked {
			ic.unlocked.Wait()
			continue
		}
		if ip.free.Linked() {
			ic.free.Remove(ip.idx)
		}
		ip.ref++
		ic.mu.Unlock()
		return ip, nil
	}
	i := ic.free.Front()
	if i == ring.Nil {
		ic.mu.Unlock()
		util.DPrintf(1, "Iget (%d, %d): no free inodes\n", fsno, inum)
		return nil, fmt.Errorf("iget (%d, %d): %w", fsno, inum, common.ErrNoInodes)
	}
	ip := &ic.inodes[i]
	ic.free.Remove(i)
	ic.unhash(ip)
	ip.fs = fs
	ip.fsno = fsno
	ip.inum = inum
	ic.bucket(fsno, inum).PushFront(ip.idx)
	ip.ref = 1
	ip.locked = true
	ic.mu.Unlock()

	err = ip.load()

	ic.mu.Lock()
	defer ic.mu.Unlock()
	ip.locked = false
	ic.unlocked.Broadcast()
	if err != nil {
		ic.unhash(ip)
		ip.ref = 0
		ic.free.PushFront(ip.idx)
		return nil, err
	}
	util.DPrintf(5, "Iget -> %v\n", ip)
	return ip, nil
}

// Idup adds a reference to an inode the caller already references.
func (ic *Icache) Idup(ip *Inode) *Inode {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ip.ref < 1 {
		panic("Idup")
	}
	ip.ref++
	return ip
}

func (ic *Icache) Ref(ip *Inode) int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ip.ref
}

// Ilock acquires ip's lock, waiting while someone else holds it.
func (ic *Icache) Ilock(ip *Inode) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ip.ref < 1 {
		panic("Ilock")
	}
	for ip.locked {
		ic.unlocked.Wait()
	}
	ip.locked = true
}

func (ic *Icache) Iunlock(ip *Inode) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if !ip.locked || ip.ref < 1 {
		panic("Iunlock")
	}
	ip.locked = false
	ic.unlocked.Broadcast()
}

// Iupdate writes ip back to the inode table if it is dirty. Caller
// holds ip's lock.
func (ic *Icache) Iupdate(ip *Inode) error {
	ic.mustLock(ip, "Iupdate")
	if !ip.dirty {
		return nil
	}
	util.DPrintf(5, "Iupdate %v\n", ip)
	return ip.update()
}

func (ic *Icache) mustLock(ip *Inode, who string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if !ip.locked || ip.ref < 1 {
		panic(who + ": inode not locked")
	}
}

// Iput drops a reference to ip, which must not be locked by the caller.
// Dropping the last reference to an inode with no links frees its
// blocks and the inode itself; a dirty inode is written back.
func (ic *Icache) Iput(ip *Inode) error {
	ic.mu.Lock()
	if ip.ref < 1 {
		panic("Iput")
	}
	for ip.locked {
		ic.unlocked.Wait()
	}
	ip.locked = true
	last := ip.ref == 1
	ic.mu.Unlock()

	var err error
	if last {
		if ip.Nlink == 0 && ip.Kind != common.FREE {
			util.DPrintf(1, "Iput: free %v\n", ip)
			err = ip.Itrunc()
			if err == nil {
				ip.Kind = common.FREE
				ip.Mode = 0
				ip.dirty = true
			}
		}
		if ip.dirty {
			if e := ip.update(); e != nil && err == nil {
				err = e
			}
		}
	}

	ic.mu.Lock()
	defer ic.mu.Unlock()
	ip.ref--
	ip.locked = false
	if ip.ref == 0 {
		ic.free.PushBack(ip.idx)
	}
	ic.unlocked.Broadcast()
	return err
}

// referenced reports whether inode inum of fsno is cached and in use.
func (ic *Icache) referenced(fsno uint32, inum common.Inum) bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ip := ic.lookup(fsno, inum)
	return ip != nil && ip.ref > 0
}

// iputErr releases ip and returns err, or Iput's error if err is nil.
func (ic *Icache) iputErr(ip *Inode, err error) error {
	if e := ic.Iput(ip); e != nil && err == nil {
		return e
	}
	return err
}

// Iflush forgets the cached inodes of fsno. It fails with ErrBusy if
// any of them is still referenced.
func (ic *Icache) Iflush(fsno uint32) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for i := range ic.inodes {
		ip := &ic.inodes[i]
		if ip.inum != common.NULLINUM && ip.fsno == fsno && ip.ref > 0 {
			return fmt.Errorf("%v: %w", ip, common.ErrBusy)
		}
	}
	for i := range ic.inodes {
		ip := &ic.inodes[i]
		if ip.inum != common.NULLINUM && ip.fsno == fsno {
			ic.unhash(ip)
			ic.free.Remove(ip.idx)
			ic.free.PushFront(ip.idx)
		}
	}
	return nil
}

// CheckInvariants panics if the hash chains or the free list disagree
// with the inodes' reference counts.
func (ic *Icache) CheckInvariants() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	n := len(ic.inodes)
	for i := range ic.inodes {
		ip := &ic.inodes[i]
		if ip.hash.Half() || ip.free.Half() {
			panic(fmt.Sprintf("CheckInvariants: half-linked %v", ip))
		}
		if ip.ref < 0 || (ip.ref == 0) != ip.free.Linked() {
			panic(fmt.Sprintf("CheckInvariants: ref %d free %v %v",
				ip.ref, ip.free.Linked(), ip))
		}
		if ip.ref == 0 && (ip.locked || ip.dirty) {
			panic(fmt.Sprintf("CheckInvariants: idle inode locked or dirty %v", ip))
		}
		if ip.hash.Linked() != (ip.inum != common.NULLINUM) {
			panic(fmt.Sprintf("CheckInvariants: hash linkage %v", ip))
		}
	}
	for h := range ic.hash {
		r := &ic.hash[h]
		r.Check(n)
		r.Apply(n, func(i int32) {
			ip := &ic.inodes[i]
			if ic.bucket(ip.fsno, ip.inum) != r {
				panic(fmt.Sprintf("CheckInvariants: %v in wrong bucket", ip))
			}
		})
	}
	ic.free.Check(n)
}
