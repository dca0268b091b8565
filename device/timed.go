package device

import (
	"io"
	"time"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-bcache/util/stats"
)

const (
	unitRead int = iota
	unitWrite
	unitBarrier
	nunitop
)

var unitOpNames = []string{"unit.Read", "unit.Write", "unit.Barrier"}

// TimedUnit is a backing disk that records how long each access takes.
type TimedUnit struct {
	disk.Disk
	ops [nunitop]stats.Op
}

var _ disk.Disk = &TimedUnit{}

func Timed(d disk.Disk) *TimedUnit {
	return &TimedUnit{Disk: d}
}

func (u *TimedUnit) ReadTo(a uint64, b disk.Block) {
	copy(b, u.Read(a))
}

func (u *TimedUnit) Read(a uint64) disk.Block {
	defer u.ops[unitRead].Record(time.Now())
	return u.Disk.Read(a)
}

func (u *TimedUnit) Write(a uint64, b disk.Block) {
	defer u.ops[unitWrite].Record(time.Now())
	u.Disk.Write(a, b)
}

func (u *TimedUnit) Barrier() {
	defer u.ops[unitBarrier].Record(time.Now())
	u.Disk.Barrier()
}

func (u *TimedUnit) WriteStats(w io.Writer) {
	stats.WriteTable(unitOpNames, u.ops[:], w)
}

func (u *TimedUnit) ResetStats() {
	for i := range u.ops {
		u.ops[i].Reset()
	}
}
