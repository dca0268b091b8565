package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime/pprof"
	"time"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bcache/bcache"
	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/device"
)

// Each client owns NBLK consecutive sectors and cycles through them.
const NBLK = 64

var dev = common.MkDev(0, 0)

func mkdata(sz uint32) []byte {
	data := make([]byte, sz)
	for i := range data {
		data[i] = byte(i % 128)
	}
	return data
}

func testSequence(bc *bcache.Bcache, mode string, data []byte, tid int, i int) {
	bn := common.Bnum(tid*NBLK + i%NBLK)
	b, err := bc.Bread(dev, bn)
	if err != nil {
		panic(err)
	}
	switch mode {
	case "sync":
		copy(b.Data, data)
		err = bc.Bwrite(b, true)
	case "dwrite":
		copy(b.Data, data)
		err = bc.Bwrite(b, false)
	}
	bc.Brelse(b)
	if err != nil {
		panic(err)
	}
}

func client(bc *bcache.Bcache, mode string, duration time.Duration, tid int) int {
	data := mkdata(common.BlockSize)
	start := time.Now()
	i := 0
	for {
		testSequence(bc, mode, data, tid, i)
		i++
		if time.Since(start) >= duration {
			break
		}
	}
	return i
}

func run(bc *bcache.Bcache, mode string, duration time.Duration, nt int) int {
	count := make(chan int)
	for i := 0; i < nt; i++ {
		go func(tid int) {
			count <- client(bc, mode, duration, tid)
		}(i)
	}
	n := 0
	for i := 0; i < nt; i++ {
		n += <-count
	}
	return n
}

func main() {
	var err error
	var duration time.Duration
	var nthread int
	var nbuf int
	var mode string
	var diskfile string
	var dumpStats bool
	flag.DurationVar(&duration, "benchtime", 10*time.Second, "time to run each iteration for")
	flag.IntVar(&nthread, "threads", 1, "number of threads")
	flag.IntVar(&nbuf, "nbuf", 256, "number of cache buffers")
	flag.StringVar(&mode, "mode", "dwrite", "read, sync or dwrite")
	flag.StringVar(&diskfile, "disk", "", "disk image (empty for MemDisk)")
	flag.BoolVar(&dumpStats, "stats", false, "print cache and disk statistics")
	flag.Uint64Var(&util.Debug, "debug", 0, "debug level (higher is more verbose)")
	cpuprofile := flag.String("cpuprofile", "", "write cpu profile to file")
	flag.Parse()
	if nthread < 1 || nbuf < 1 {
		log.Fatal("invalid -threads or -nbuf")
	}
	if mode != "read" && mode != "sync" && mode != "dwrite" {
		log.Fatalf("unknown mode %q", mode)
	}

	nsect := uint64(nthread * NBLK)
	var d disk.Disk
	if diskfile == "" {
		d = device.NewMemUnit(nsect)
	} else {
		d, err = device.NewFileUnit(diskfile, nsect)
		if err != nil {
			log.Fatalf("could not create disk: %v", err)
		}
	}
	unit := device.Timed(d)
	drv := device.NewMemDriver(unit)
	defer drv.Close()
	bc := bcache.MkBcache(nbuf, nbuf/4+1, []bcache.Driver{drv})

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// warmup (skip if running for very little time, for example when using a
	// duration of 0s to run just one iteration)
	if duration > 500*time.Millisecond {
		run(bc, mode, 500*time.Millisecond, nthread)
		bc.ResetStats()
		unit.ResetStats()
	}

	start := time.Now()
	count := run(bc, mode, duration, nthread)
	if err := bc.Bflush(common.NODEV); err != nil {
		log.Fatalf("flush: %v", err)
	}
	drv.Barrier()
	elapsed := time.Since(start)
	fmt.Printf("bcache-bench: %s %v %0.2f op/sec\n", mode, nthread,
		float64(count)/elapsed.Seconds())
	if dumpStats {
		bc.WriteStats(os.Stdout)
		unit.WriteStats(os.Stdout)
	}
}
