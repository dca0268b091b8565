package bcache

import (
	"io"
	"time"

	"github.com/mit-pdos/go-bcache/util/stats"
)

const (
	cntHit int = iota
	cntMiss
	cntRead
	cntWrite
	cntDwrite
	cntFlush
	cntReadahead
	cntError
	cntWait
	ncnt
)

var cntNames = []string{
	"hit",
	"miss",
	"dev.read",
	"dev.write",
	"dwrite",
	"flush-on-reuse",
	"readahead",
	"io-error",
	"sleep",
}

const (
	opRead int = iota
	opWrite
	nop
)

var opNames = []string{"Bread", "Bwrite"}

type cacheStats struct {
	cnt [ncnt]stats.Counter
	ops [nop]stats.Op
}

func now() time.Time {
	return time.Now()
}

// Counter returns the current value of the named event counter, or 0
// for an unknown name.
func (bc *Bcache) Counter(name string) uint64 {
	for i, n := range cntNames {
		if n == name {
			return bc.stats.cnt[i].Load()
		}
	}
	return 0
}

func (bc *Bcache) WriteStats(w io.Writer) {
	stats.WriteCounters(cntNames, bc.stats.cnt[:], w)
	stats.WriteTable(opNames, bc.stats.ops[:], w)
}

func (bc *Bcache) ResetStats() {
	for i := range bc.stats.cnt {
		bc.stats.cnt[i].Reset()
	}
	for i := range bc.stats.ops {
		bc.stats.ops[i].Reset()
	}
}
