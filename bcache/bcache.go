package bcache

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/util/ring"
)

//
// Fixed-size buffer cache with hash chains and a circular free list.
//
// One mutex protects every header, chain and the free list; it is
// released only while a driver's Strategy runs or while a caller
// sleeps on one of the wait conditions. Wakeups are broadcasts, so
// every wait sits in a loop that re-checks its condition.
//

// Driver is a block device driver. Strategy starts the I/O described
// by b (a write if b.IsWrite(), else a read of b.Blkno() into b.Data)
// and must eventually call b.IODone exactly once, possibly before
// Strategy returns.
type Driver interface {
	Strategy(minor uint16, b *Buf)
}

type WaitReason int

const (
	WaitBusy   WaitReason = iota // the wanted buffer is held or in flight
	WaitNoFree                   // the free list is empty
	WaitIO                       // an I/O has not completed
	nwait
)

var waitNames = []string{"busy", "nofree", "io"}

func (r WaitReason) String() string {
	return waitNames[r]
}

type Bcache struct {
	mu     *sync.Mutex
	freed  *sync.Cond // a buffer was released or came back from I/O
	avail  *sync.Cond // the free list may be non-empty
	iodone *sync.Cond // some I/O completed

	bufs   []Buf
	hash   []ring.Ring
	free   ring.Ring
	bdevsw []Driver

	waiting [nwait]int
	stats   cacheStats
}

func MkBcache(nbuf int, nhash int, bdevsw []Driver) *Bcache {
	if nbuf <= 0 || nhash <= 0 {
		panic("MkBcache")
	}
	mu := new(sync.Mutex)
	bc := &Bcache{
		mu:     mu,
		freed:  sync.NewCond(mu),
		avail:  sync.NewCond(mu),
		iodone: sync.NewCond(mu),
		bufs:   make([]Buf, nbuf),
		hash:   make([]ring.Ring, nhash),
		bdevsw: bdevsw,
	}
	bc.free = ring.Mk(func(i int32) *ring.Link { return &bc.bufs[i].free })
	for i := range bc.hash {
		bc.hash[i] = ring.Mk(func(i int32) *ring.Link { return &bc.bufs[i].hash })
	}
	data := make([]byte, nbuf*int(common.BlockSize))
	for i := range bc.bufs {
		b := &bc.bufs[i]
		b.bc = bc
		b.idx = int32(i)
		b.dev = common.NODEV
		b.hash = ring.Unlinked()
		b.free = ring.Unlinked()
		off := i * int(common.BlockSize)
		b.Data = data[off : off+int(common.BlockSize) : off+int(common.BlockSize)]
		bc.free.PushBack(b.idx)
		b.flags = bInFree
	}
	return bc
}

func (bc *Bcache) Nbuf() int {
	return len(bc.bufs)
}

// Waiting returns the number of callers currently asleep for reason r.
func (bc *Bcache) Waiting(r WaitReason) int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.waiting[r]
}

func (bc *Bcache) sleep(r WaitReason, c *sync.Cond) {
	bc.waiting[r]++
	bc.stats.cnt[cntWait].Inc()
	c.Wait()
	bc.waiting[r]--
}

func (bc *Bcache) bucket(dev common.Dev, bn common.Bnum) *ring.Ring {
	h := (uint32(dev)*31 + uint32(bn)) % uint32(len(bc.hash))
	return &bc.hash[h]
}

func (bc *Bcache) lookup(dev common.Dev, bn common.Bnum) *Buf {
	var found *Buf
	bc.bucket(dev, bn).Apply(len(bc.bufs), func(i int32) {
		b := &bc.bufs[i]
		if found == nil && b.dev == dev && b.blkno == bn {
			found = b
		}
	})
	return found
}

func (bc *Bcache) unfree(b *Buf) {
	if b.flags&bInFree == 0 {
		return
	}
	bc.free.Remove(b.idx)
	b.flags &^= bInFree
}

// putfree returns b to the free list: at the front if its contents are
// not worth keeping, otherwise at the back.
func (bc *Bcache) putfree(b *Buf) {
	if b.flags&(bBusy|bInflight|bInFree) != 0 {
		panic("putfree")
	}
	if b.flags&bValid == 0 {
		bc.free.PushFront(b.idx)
	} else {
		bc.free.PushBack(b.idx)
	}
	b.flags |= bInFree
}

func (bc *Bcache) rebind(b *Buf, dev common.Dev, bn common.Bnum) {
	if b.hash.Linked() {
		bc.bucket(b.dev, b.blkno).Remove(b.idx)
	}
	b.dev = dev
	b.blkno = bn
	bc.bucket(dev, bn).PushFront(b.idx)
}

// getblk returns the buffer for (dev, bn), held by the caller. Its
// contents are valid only if bValid is set. With nowait, getblk
// returns nil instead of sleeping. Caller holds bc.mu.
func (bc *Bcache) getblk(dev common.Dev, bn common.Bnum, nowait bool) *Buf {
	for {
		if b := bc.lookup(dev, bn); b != nil {
			if b.flags&(bBusy|bInflight) != 0 {
				if nowait {
					return nil
				}
				bc.sleep(WaitBusy, bc.freed)
				continue
			}
			bc.unfree(b)
			b.flags |= bBusy
			bc.stats.cnt[cntHit].Inc()
			return b
		}
		i := bc.free.Front()
		if i == ring.Nil {
			if nowait {
				return nil
			}
			util.DPrintf(5, "getblk (%v, %d): no free buffers\n", dev, bn)
			bc.sleep(WaitNoFree, bc.avail)
			continue
		}
		b := &bc.bufs[i]
		bc.unfree(b)
		if b.flags&bDwrite != 0 {
			// never reuse a buffer whose contents are not on disk
			util.DPrintf(5, "getblk: flush victim %v\n", b)
			bc.stats.cnt[cntFlush].Inc()
			bc.startIO(b, true)
			continue
		}
		bc.rebind(b, dev, bn)
		b.flags = bBusy
		b.err = nil
		bc.stats.cnt[cntMiss].Inc()
		return b
	}
}

func (bc *Bcache) driver(dev common.Dev) Driver {
	major := int(dev.Major())
	if dev == common.NODEV || major >= len(bc.bdevsw) {
		return nil
	}
	return bc.bdevsw[major]
}

// startIO hands b to its driver. Caller holds bc.mu; it is dropped
// across Strategy, which may complete the I/O synchronously.
func (bc *Bcache) startIO(b *Buf, write bool) {
	if b.flags&bInflight != 0 {
		panic("startIO: already in flight")
	}
	b.flags |= bInflight
	if write {
		b.flags |= bWriteIO
		b.flags &^= bWritten
		bc.stats.cnt[cntWrite].Inc()
	} else {
		b.flags &^= bWriteIO
		bc.stats.cnt[cntRead].Inc()
	}
	drv := bc.driver(b.dev)
	if drv == nil {
		bc.complete(b, common.ErrNoDev)
		return
	}
	util.DPrintf(5, "startIO %v\n", b)
	bc.mu.Unlock()
	drv.Strategy(b.dev.Minor(), b)
	bc.mu.Lock()
}

func (bc *Bcache) waitIO(b *Buf) {
	for b.flags&bInflight != 0 {
		bc.sleep(WaitIO, bc.iodone)
	}
}

func (bc *Bcache) biodone(b *Buf, err error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.complete(b, err)
}

// complete records the outcome of b's I/O. Caller holds bc.mu.
func (bc *Bcache) complete(b *Buf, err error) {
	if b.flags&bInflight == 0 {
		panic("biodone: no I/O in flight")
	}
	util.DPrintf(5, "biodone %v err %v\n", b, err)
	write := b.flags&bWriteIO != 0
	b.flags &^= bInflight | bWriteIO | bDwrite
	if err != nil {
		b.flags |= bError
		b.flags &^= bValid
		b.err = fmt.Errorf("block %d on %v: %w", b.blkno, b.dev, err)
		bc.stats.cnt[cntError].Inc()
	} else {
		b.flags &^= bError
		b.flags |= bValid
		b.err = nil
		if write {
			b.flags |= bWritten
		}
	}
	if b.flags&bBusy == 0 {
		bc.putfree(b)
		bc.avail.Broadcast()
		bc.freed.Broadcast()
	}
	bc.iodone.Broadcast()
}

func (bc *Bcache) mustHold(b *Buf, who string) {
	if b.bc != bc || b.flags&bBusy == 0 {
		panic(who + ": buffer not held")
	}
}

// Bread returns the buffer for block bn of dev, held by the caller,
// reading it from the device unless it is cached. The buffer is held
// even when an error is returned; the caller must Brelse it.
func (bc *Bcache) Bread(dev common.Dev, bn common.Bnum) (*Buf, error) {
	defer bc.stats.ops[opRead].Record(now())
	bc.mu.Lock()
	defer bc.mu.Unlock()
	b := bc.getblk(dev, bn, false)
	if b.flags&bValid != 0 {
		return b, nil
	}
	bc.mustHold(b, "Bread")
	bc.startIO(b, false)
	bc.waitIO(b)
	return b, b.err
}

// Breada is Bread for bn that also starts reading rabn into the cache.
// The read-ahead buffer is released before its read completes, so
// nothing is promised about rabn when Breada returns.
func (bc *Bcache) Breada(dev common.Dev, bn common.Bnum, rabn common.Bnum) (*Buf, error) {
	defer bc.stats.ops[opRead].Record(now())
	bc.mu.Lock()
	defer bc.mu.Unlock()
	b := bc.getblk(dev, bn, false)
	if b.flags&bValid == 0 {
		bc.startIO(b, false)
	}
	if rabn != bn {
		if rb := bc.getblk(dev, rabn, true); rb != nil {
			bc.stats.cnt[cntReadahead].Inc()
			if rb.flags&bValid == 0 {
				bc.startIO(rb, false)
			}
			bc.brelse(rb)
		}
	}
	bc.waitIO(b)
	return b, b.err
}

// Bwrite writes out a held buffer. A durable write goes to the device
// and waits for completion; otherwise the buffer is only marked for a
// delayed write. Either way the caller still holds b.
func (bc *Bcache) Bwrite(b *Buf, durable bool) error {
	defer bc.stats.ops[opWrite].Record(now())
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.mustHold(b, "Bwrite")
	if !durable {
		b.flags |= bDwrite | bValid
		bc.stats.cnt[cntDwrite].Inc()
		return nil
	}
	bc.startIO(b, true)
	bc.waitIO(b)
	return b.err
}

// Brelse gives up a held buffer.
func (bc *Bcache) Brelse(b *Buf) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.brelse(b)
}

func (bc *Bcache) brelse(b *Buf) {
	bc.mustHold(b, "Brelse")
	b.flags &^= bBusy
	// an in-flight buffer goes to the free list on completion
	if b.flags&bInflight == 0 {
		bc.putfree(b)
	}
	bc.freed.Broadcast()
	bc.avail.Broadcast()
}

// Bflush writes every delayed-write buffer of dev (all devices for
// NODEV) that nobody holds, and waits for the writes. It returns the
// first write error.
func (bc *Bcache) Bflush(dev common.Dev) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	var err error
	for {
		var b *Buf
		for i := range bc.bufs {
			x := &bc.bufs[i]
			if (dev == common.NODEV || x.dev == dev) &&
				x.flags&bDwrite != 0 && x.flags&(bBusy|bInflight) == 0 {
				b = x
				break
			}
		}
		if b == nil {
			break
		}
		bc.unfree(b)
		b.flags |= bBusy
		bc.startIO(b, true)
		bc.waitIO(b)
		if b.err != nil && err == nil {
			err = b.err
		}
		bc.brelse(b)
	}
	for bc.inflight(dev) {
		bc.sleep(WaitIO, bc.iodone)
	}
	return err
}

func (bc *Bcache) inflight(dev common.Dev) bool {
	for i := range bc.bufs {
		b := &bc.bufs[i]
		if (dev == common.NODEV || b.dev == dev) && b.flags&bInflight != 0 {
			return true
		}
	}
	return false
}

// Binval forgets the identity of every idle, clean buffer of dev.
func (bc *Bcache) Binval(dev common.Dev) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	for i := range bc.bufs {
		b := &bc.bufs[i]
		if b.dev != dev || b.flags&bInFree == 0 || b.flags&bDwrite != 0 {
			continue
		}
		bc.unfree(b)
		bc.bucket(b.dev, b.blkno).Remove(b.idx)
		b.dev = common.NODEV
		b.blkno = 0
		b.flags &^= bValid | bError | bWritten
		b.err = nil
		bc.putfree(b)
	}
}

// CheckInvariants panics if the headers, hash chains or free list are
// inconsistent.
func (bc *Bcache) CheckInvariants() {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	n := len(bc.bufs)
	for i := range bc.bufs {
		b := &bc.bufs[i]
		if b.hash.Half() || b.free.Half() {
			panic(fmt.Sprintf("CheckInvariants: half-linked %v", b))
		}
		if b.flags&bBusy != 0 && b.flags&bInFree != 0 {
			panic(fmt.Sprintf("CheckInvariants: busy buffer on free list %v", b))
		}
		if b.flags&bInflight != 0 && b.flags&bInFree != 0 {
			panic(fmt.Sprintf("CheckInvariants: in-flight buffer on free list %v", b))
		}
		if (b.flags&bInFree != 0) != b.free.Linked() {
			panic(fmt.Sprintf("CheckInvariants: free flag mismatch %v", b))
		}
		if b.hash.Linked() && b.dev == common.NODEV {
			panic(fmt.Sprintf("CheckInvariants: hashed unbound buffer %v", b))
		}
	}
	seen := make([]bool, n)
	for h := range bc.hash {
		r := &bc.hash[h]
		r.Check(n)
		r.Apply(n, func(i int32) {
			b := &bc.bufs[i]
			if bc.bucket(b.dev, b.blkno) != r {
				panic(fmt.Sprintf("CheckInvariants: %v in wrong bucket", b))
			}
			if seen[i] {
				panic(fmt.Sprintf("CheckInvariants: %v hashed twice", b))
			}
			seen[i] = true
		})
	}
	for i := range bc.bufs {
		if bc.bufs[i].hash.Linked() != seen[i] {
			panic(fmt.Sprintf("CheckInvariants: %v linked outside its chain", &bc.bufs[i]))
		}
	}
	bc.free.Check(n)
	bc.free.Apply(n, func(i int32) {
		if bc.bufs[i].flags&bInFree == 0 {
			panic(fmt.Sprintf("CheckInvariants: %v on free list without flag", &bc.bufs[i]))
		}
	})
	util.DPrintf(10, "CheckInvariants: %d free\n", bc.free.Len())
}
