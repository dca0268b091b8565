package bcache

import (
	"fmt"

	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/util/ring"
)

type bflag uint16

const (
	bBusy     bflag = 1 << iota // held by exactly one caller
	bDwrite                     // delayed write pending
	bValid                      // Data holds the block's contents
	bWritten                    // last write completed
	bInFree                     // on the free list
	bError                      // last I/O failed
	bInflight                   // I/O started, completion not yet seen
	bWriteIO                    // the in-flight I/O is a write
)

var flagNames = []string{"busy", "dwrite", "valid", "written", "free", "error", "inflight", "wio"}

func (f bflag) String() string {
	s := ""
	for i, n := range flagNames {
		if f&(1<<uint(i)) != 0 {
			if s != "" {
				s += "|"
			}
			s += n
		}
	}
	return "[" + s + "]"
}

// Buf is a buffer header. Headers live for the lifetime of their
// Bcache and are rebound from one (dev, blkno) to another.
type Buf struct {
	bc    *Bcache
	idx   int32
	dev   common.Dev
	blkno common.Bnum
	flags bflag
	err   error
	hash  ring.Link
	free  ring.Link

	// Data is the block payload. It belongs to the caller holding
	// the buffer, or to the driver while I/O is in flight.
	Data []byte
}

func (b *Buf) Dev() common.Dev {
	return b.dev
}

func (b *Buf) Blkno() common.Bnum {
	return b.blkno
}

func (b *Buf) has(f bflag) bool {
	b.bc.mu.Lock()
	defer b.bc.mu.Unlock()
	return b.flags&f != 0
}

func (b *Buf) Busy() bool       { return b.has(bBusy) }
func (b *Buf) Valid() bool      { return b.has(bValid) }
func (b *Buf) Dwrite() bool     { return b.has(bDwrite) }
func (b *Buf) Written() bool    { return b.has(bWritten) }
func (b *Buf) InFreeList() bool { return b.has(bInFree) }
func (b *Buf) Error() bool      { return b.has(bError) }

func (b *Buf) Hashed() bool {
	b.bc.mu.Lock()
	defer b.bc.mu.Unlock()
	return b.hash.Linked()
}

// Err returns the error posted by the last completed I/O, if any.
func (b *Buf) Err() error {
	b.bc.mu.Lock()
	defer b.bc.mu.Unlock()
	return b.err
}

// IsWrite reports whether the outstanding I/O is a write. Drivers
// consult it from Strategy.
func (b *Buf) IsWrite() bool {
	return b.has(bWriteIO)
}

// IODone is the completion callback. A driver calls it exactly once
// per Strategy call; err is nil on success.
func (b *Buf) IODone(err error) {
	b.bc.biodone(b, err)
}

func (b *Buf) String() string {
	return fmt.Sprintf("buf %d (%v, %d) %v", b.idx, b.dev, b.blkno, b.flags)
}
