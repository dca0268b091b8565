package fs

import (
	"errors"
	"fmt"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bcache/bcache"
	"github.com/mit-pdos/go-bcache/common"
	"github.com/mit-pdos/go-bcache/device"
	"github.com/mit-pdos/go-bcache/inode"
	"github.com/mit-pdos/go-bcache/super"
)

// Fs ties a buffer cache, a filesystem table and an inode cache
// together.
type Fs struct {
	Bc  *bcache.Bcache
	Tbl *super.Table
	Ic  *inode.Icache
}

func MkFs(bdevsw []bcache.Driver, nbuf int, ninode int) *Fs {
	bc := bcache.MkBcache(nbuf, nbuf/4+1, bdevsw)
	tbl := super.MkTable(bc)
	return &Fs{
		Bc:  bc,
		Tbl: tbl,
		Ic:  inode.MkIcache(bc, tbl, ninode),
	}
}

// MkDisk returns a goose disk of nsect sectors, backed by the file
// name if it is not nil and by memory otherwise.
func MkDisk(nsect uint64, name *string) (disk.Disk, error) {
	if name != nil {
		util.DPrintf(1, "MkDisk: file disk %s\n", *name)
		return device.NewFileUnit(*name, nsect)
	}
	util.DPrintf(1, "MkDisk: mem disk\n")
	return device.NewMemUnit(nsect), nil
}

func (fs *Fs) zero(dev common.Dev, start common.Bnum, end common.Bnum) error {
	for bn := start; bn < end; bn++ {
		b, err := fs.Bc.Bread(dev, bn)
		if err != nil {
			fs.Bc.Brelse(b)
			return err
		}
		for i := range b.Data {
			b.Data[i] = 0
		}
		err = fs.Bc.Bwrite(b, false)
		fs.Bc.Brelse(b)
		if err != nil {
			return err
		}
	}
	return nil
}

// Mkfs writes an empty filesystem of nblocks blocks with at least
// ninodes inodes to dev and mounts it as fsno. The root directory is
// inode ROOTINUM.
func (fs *Fs) Mkfs(fsno uint32, dev common.Dev, nblocks uint32, ninodes uint32) error {
	sb := super.MkSuper(nblocks, ninodes)
	if uint32(sb.DataStart)+1 >= nblocks {
		return fmt.Errorf("mkfs %v: %d blocks: %w", dev, nblocks, common.ErrNoSpace)
	}
	util.DPrintf(1, "Mkfs %v: %v\n", dev, sb)
	if err := fs.zero(dev, common.BOOTBLOCK, sb.DataStart); err != nil {
		return err
	}
	if err := sb.Write(fs.Bc, dev); err != nil {
		return err
	}
	f, err := fs.Tbl.Mount(fsno, dev)
	if err != nil {
		return err
	}
	err = f.MarkUsed(sb.DataStart)
	if err == nil {
		err = fs.Ic.MkRoot(fsno)
	}
	if err == nil {
		err = fs.Bc.Bflush(dev)
	}
	if err != nil {
		fs.Unmount(fsno)
		return err
	}
	return nil
}

func (fs *Fs) Mount(fsno uint32, dev common.Dev) error {
	_, err := fs.Tbl.Mount(fsno, dev)
	return err
}

// Unmount fails with ErrBusy while any inode of fsno is referenced.
func (fs *Fs) Unmount(fsno uint32) error {
	if err := fs.Ic.Iflush(fsno); err != nil {
		return err
	}
	return fs.Tbl.Unmount(fsno)
}

func (fs *Fs) Sync() error {
	return fs.Tbl.Sync()
}

// Stat describes an inode.
type Stat struct {
	Inum  common.Inum
	Kind  common.Kind
	Mode  uint32
	Nlink uint32
	Size  uint32
	Mtime uint32
	Rdev  common.Dev
}

func (st Stat) String() string {
	if st.Kind.IsDevice() {
		return fmt.Sprintf("%d %v %o n %d dev %v", st.Inum, st.Kind, st.Mode, st.Nlink, st.Rdev)
	}
	return fmt.Sprintf("%d %v %o n %d sz %d", st.Inum, st.Kind, st.Mode, st.Nlink, st.Size)
}

// with calls f on path's inode, locked.
func (fs *Fs) with(fsno uint32, path string, f func(ip *inode.Inode) error) error {
	ip, err := fs.Ic.Namei(fsno, path)
	if err != nil {
		return err
	}
	fs.Ic.Ilock(ip)
	err = f(ip)
	fs.Ic.Iunlock(ip)
	if e := fs.Ic.Iput(ip); e != nil && err == nil {
		err = e
	}
	return err
}

func (fs *Fs) Stat(fsno uint32, path string) (Stat, error) {
	var st Stat
	err := fs.with(fsno, path, func(ip *inode.Inode) error {
		st = Stat{Inum: ip.Inum(), Kind: ip.Kind, Mode: ip.Mode,
			Nlink: ip.Nlink, Size: ip.Size, Mtime: ip.Mtime}
		if ip.Kind.IsDevice() {
			st.Rdev = ip.Rdev()
		}
		return nil
	})
	return st, err
}

func (fs *Fs) ReadDir(fsno uint32, path string) ([]inode.Dirent, error) {
	var des []inode.Dirent
	err := fs.with(fsno, path, func(ip *inode.Inode) error {
		var err error
		des, err = ip.Readdir()
		return err
	})
	return des, err
}

func (fs *Fs) ReadFile(fsno uint32, path string) ([]byte, error) {
	var data []byte
	err := fs.with(fsno, path, func(ip *inode.Inode) error {
		if ip.Kind == common.DIR {
			return fmt.Errorf("%q: %w", path, common.ErrIsDir)
		}
		data = make([]byte, ip.Size)
		n, err := ip.Readi(data, 0)
		data = data[:n]
		return err
	})
	return data, err
}

// WriteFile replaces the contents of path with data, creating it if
// needed.
func (fs *Fs) WriteFile(fsno uint32, path string, data []byte) error {
	ip, err := fs.Ic.Namei(fsno, path)
	if errors.Is(err, common.ErrNotFound) {
		ip, err = fs.Ic.Create(fsno, path, common.REG, 0)
	}
	if err != nil {
		return err
	}
	fs.Ic.Ilock(ip)
	if ip.Kind != common.REG {
		err = fmt.Errorf("%q: %w", path, common.ErrIsDir)
	} else {
		err = ip.Itrunc()
		if err == nil {
			_, err = ip.Writei(data, 0)
		}
	}
	fs.Ic.Iunlock(ip)
	if e := fs.Ic.Iput(ip); e != nil && err == nil {
		err = e
	}
	return err
}

func (fs *Fs) Mkdir(fsno uint32, path string) error {
	ip, err := fs.Ic.Create(fsno, path, common.DIR, 0)
	if err != nil {
		return err
	}
	return fs.Ic.Iput(ip)
}

func (fs *Fs) Mknod(fsno uint32, path string, kind common.Kind, rdev common.Dev) error {
	if !kind.IsDevice() {
		return fmt.Errorf("mknod %v: %w", kind, common.ErrInval)
	}
	ip, err := fs.Ic.Create(fsno, path, kind, rdev)
	if err != nil {
		return err
	}
	return fs.Ic.Iput(ip)
}

func (fs *Fs) Remove(fsno uint32, path string) error {
	return fs.Ic.Remove(fsno, path)
}

func (fs *Fs) Link(fsno uint32, oldpath string, newpath string) error {
	return fs.Ic.Hardlink(fsno, oldpath, newpath)
}
