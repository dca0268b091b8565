package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bcache/bcache"
	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/device"
	"github.com/mit-pdos/go-bcache/fs"
)

const FSNO uint32 = 1

var dev = common.MkDev(0, 0)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: ufs [flags] command [args]
commands:
  mkfs                 format the image
  ls path              list a directory
  stat path            describe a file
  cat path             print a file
  put hostfile path    copy a host file in
  mkdir path
  mknod path blk|chr major minor
  ln oldpath newpath
  rm path
flags:
`)
	flag.PrintDefaults()
}

func nargs(args []string, n int) {
	if len(args) != n {
		usage()
		os.Exit(2)
	}
}

func do(f *fs.Fs, args []string) error {
	switch args[0] {
	case "ls":
		nargs(args, 2)
		des, err := f.ReadDir(FSNO, args[1])
		if err != nil {
			return err
		}
		for _, de := range des {
			fmt.Printf("%4d %s\n", de.Inum, de.Name)
		}
	case "stat":
		nargs(args, 2)
		st, err := f.Stat(FSNO, args[1])
		if err != nil {
			return err
		}
		fmt.Println(st)
	case "cat":
		nargs(args, 2)
		data, err := f.ReadFile(FSNO, args[1])
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
	case "put":
		nargs(args, 3)
		data, err := ioutil.ReadFile(args[1])
		if err != nil {
			return err
		}
		return f.WriteFile(FSNO, args[2], data)
	case "mkdir":
		nargs(args, 2)
		return f.Mkdir(FSNO, args[1])
	case "mknod":
		nargs(args, 5)
		var major, minor uint16
		if _, err := fmt.Sscan(args[3], &major); err != nil {
			return err
		}
		if _, err := fmt.Sscan(args[4], &minor); err != nil {
			return err
		}
		kind := common.BLK
		if args[2] == "chr" {
			kind = common.CHR
		}
		return f.Mknod(FSNO, args[1], kind, common.MkDev(major, minor))
	case "ln":
		nargs(args, 3)
		return f.Link(FSNO, args[1], args[2])
	case "rm":
		nargs(args, 2)
		return f.Remove(FSNO, args[1])
	default:
		usage()
		os.Exit(2)
	}
	return nil
}

func main() {
	var diskfile string
	var nblocks uint64
	var ninodes uint64
	var nbuf int
	var ninode int
	var dumpStats bool
	flag.Usage = usage
	flag.StringVar(&diskfile, "disk", "ufs.img", "disk image")
	flag.Uint64Var(&nblocks, "nblocks", 4096, "size of a new file system (in blocks)")
	flag.Uint64Var(&ninodes, "ninodes", 256, "number of inodes of a new file system")
	flag.IntVar(&nbuf, "nbuf", 64, "number of cache buffers")
	flag.IntVar(&ninode, "ninode", 32, "number of in-core inodes")
	flag.BoolVar(&dumpStats, "stats", false, "print cache statistics on exit")
	flag.Uint64Var(&util.Debug, "debug", 0, "debug level (higher is more verbose)")
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	var nsect uint64
	if args[0] == "mkfs" {
		nsect = nblocks
	}
	img, err := device.OpenImage(diskfile, nsect)
	if err != nil {
		log.Fatal(err)
	}
	drv := device.NewImageDriver(img)
	f := fs.MkFs([]bcache.Driver{drv}, nbuf, ninode)

	if args[0] == "mkfs" {
		nargs(args, 1)
		err = f.Mkfs(FSNO, dev, uint32(nblocks), uint32(ninodes))
	} else {
		err = f.Mount(FSNO, dev)
		if err == nil {
			err = do(f, args)
		}
	}
	if err == nil {
		err = f.Unmount(FSNO)
	}
	if dumpStats {
		f.Bc.WriteStats(os.Stderr)
	}
	if e := drv.Close(); e != nil && err == nil {
		err = e
	}
	if err != nil {
		log.Fatalf("ufs %s: %v", args[0], err)
	}
}
