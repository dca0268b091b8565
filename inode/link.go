package inode

import (
	"errors"
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bcache/common"
)

// recordFree reports whether an on-disk inode record is free or an
// orphan: allocated, but with no links.
func recordFree(rec []byte) bool {
	dec := marshal.NewDec(rec)
	k := common.Kind(dec.GetInt32())
	for i := 0; i < 5; i++ {
		dec.GetInt32()
	}
	return k == common.FREE || dec.GetInt32() == 0
}

// claim returns inode inum referenced and initialized as kind, or nil
// if someone else already uses it. An orphan left behind by a failed
// Iput has its blocks freed first.
func (ic *Icache) claim(fsno uint32, inum common.Inum, kind common.Kind) (*Inode, error) {
	ip, err := ic.Iget(fsno, inum)
	if err != nil {
		return nil, err
	}
	ic.Ilock(ip)
	if ip.Kind != common.FREE {
		if ip.Nlink != 0 || ic.Ref(ip) != 1 {
			ic.Iunlock(ip)
			return nil, ic.Iput(ip)
		}
		util.DPrintf(1, "claim: orphan %v\n", ip)
		if err := ip.Itrunc(); err != nil {
			ic.Iunlock(ip)
			return nil, ic.iputErr(ip, err)
		}
	}
	ip.clear(kind)
	err = ip.update()
	ic.Iunlock(ip)
	if err != nil {
		return nil, ic.iputErr(ip, err)
	}
	return ip, nil
}

// Ialloc finds a free inode in fsno's inode table and returns it,
// referenced and unlocked, with its kind set and no links.
func (ic *Icache) Ialloc(fsno uint32, kind common.Kind) (*Inode, error) {
	if kind == common.FREE {
		panic("Ialloc")
	}
	fs, err := ic.tbl.Lookup(fsno)
	if err != nil {
		return nil, err
	}
	sb := fs.Super
	for inum := common.ROOTINUM; uint32(inum) <= sb.Ninodes; inum++ {
		bn, off := sb.InodeBlock(inum)
		b, err := ic.bc.Bread(fs.Dev, bn)
		if err != nil {
			ic.bc.Brelse(b)
			return nil, err
		}
		free := recordFree(b.Data[off : off+common.INODESZ])
		ic.bc.Brelse(b)
		if !free || ic.referenced(fsno, inum) {
			continue
		}
		ip, err := ic.claim(fsno, inum, kind)
		if err != nil {
			return nil, err
		}
		if ip != nil {
			util.DPrintf(1, "Ialloc -> %v\n", ip)
			return ip, nil
		}
	}
	return nil, fmt.Errorf("ialloc %v: %w", fs, common.ErrNoSpace)
}

// Link adds one to ip's link count.
func (ic *Icache) Link(ip *Inode) error {
	ic.Ilock(ip)
	defer ic.Iunlock(ip)
	ip.Nlink++
	ip.Ctime = now()
	ip.dirty = true
	return ip.update()
}

// Unlink takes one from ip's link count. The inode is freed when its
// last reference is dropped with no links left.
func (ic *Icache) Unlink(ip *Inode) error {
	ic.Ilock(ip)
	defer ic.Iunlock(ip)
	if ip.Nlink == 0 {
		panic("Unlink")
	}
	ip.Nlink--
	ip.Ctime = now()
	ip.dirty = true
	return ip.update()
}

// Create makes a new inode of kind at path and returns it referenced
// and unlocked. A directory gets "." and ".." entries; a device node
// records rdev.
func (ic *Icache) Create(fsno uint32, path string, kind common.Kind, rdev common.Dev) (*Inode, error) {
	dp, name, err := ic.NameiParent(fsno, path)
	if err != nil {
		return nil, err
	}
	ic.Ilock(dp)
	ip, err := ic.create(dp, name, kind, rdev)
	ic.Iunlock(dp)
	if e := ic.Iput(dp); e != nil && err == nil {
		err = e
		ic.Iput(ip)
	}
	if err != nil {
		return nil, fmt.Errorf("create %q: %w", path, err)
	}
	return ip, nil
}

func (ic *Icache) create(dp *Inode, name string, kind common.Kind, rdev common.Dev) (*Inode, error) {
	if _, _, err := dp.Dirlookup(name); err == nil {
		return nil, common.ErrExists
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	ip, err := ic.Ialloc(dp.fsno, kind)
	if err != nil {
		return nil, err
	}
	ic.Ilock(ip)
	err = ic.initNode(dp, ip, name, rdev)
	if err != nil {
		// nothing links to ip; Iput frees it
		ip.Nlink = 0
		ip.dirty = true
	}
	ic.Iunlock(ip)
	if err != nil {
		return nil, ic.iputErr(ip, err)
	}
	return ip, nil
}

func (ic *Icache) initNode(dp *Inode, ip *Inode, name string, rdev common.Dev) error {
	ip.Nlink = 1
	if ip.Kind.IsDevice() {
		ip.SetRdev(rdev)
	}
	if ip.Kind == common.DIR {
		if err := ip.Dirlink(".", ip.inum); err != nil {
			return err
		}
		if err := ip.Dirlink("..", dp.inum); err != nil {
			return err
		}
		ip.Nlink++
	}
	if err := ip.update(); err != nil {
		return err
	}
	if err := dp.Dirlink(name, ip.inum); err != nil {
		return err
	}
	if ip.Kind == common.DIR {
		dp.Nlink++
	}
	dp.Mtime = now()
	dp.dirty = true
	return dp.update()
}

// Remove deletes the entry for path. A directory must be empty.
func (ic *Icache) Remove(fsno uint32, path string) error {
	dp, name, err := ic.NameiParent(fsno, path)
	if err != nil {
		return err
	}
	if name == "." || name == ".." {
		return ic.iputErr(dp, fmt.Errorf("remove %q: %w", path, common.ErrInval))
	}
	ic.Ilock(dp)
	err = ic.remove(dp, name)
	ic.Iunlock(dp)
	return ic.iputErr(dp, err)
}

func (ic *Icache) remove(dp *Inode, name string) error {
	inum, _, err := dp.Dirlookup(name)
	if err != nil {
		return err
	}
	ip, err := ic.Iget(dp.fsno, inum)
	if err != nil {
		return err
	}
	ic.Ilock(ip)
	err = ic.removeNode(dp, ip, name)
	ic.Iunlock(ip)
	return ic.iputErr(ip, err)
}

func (ic *Icache) removeNode(dp *Inode, ip *Inode, name string) error {
	if ip.Kind == common.DIR {
		empty, err := ip.IsDirEmpty()
		if err != nil {
			return err
		}
		if !empty {
			return fmt.Errorf("%v: %w", ip, common.ErrNotEmpty)
		}
	}
	if _, err := dp.Dirunlink(name); err != nil {
		return err
	}
	if ip.Kind == common.DIR {
		dp.Nlink--
		ip.Nlink = 0
	} else {
		ip.Nlink--
	}
	ip.Ctime = now()
	ip.dirty = true
	dp.Mtime = now()
	dp.dirty = true
	return dp.update()
}

// Hardlink gives the non-directory at oldpath a second name newpath.
func (ic *Icache) Hardlink(fsno uint32, oldpath string, newpath string) error {
	ip, err := ic.Namei(fsno, oldpath)
	if err != nil {
		return err
	}
	ic.Ilock(ip)
	isdir := ip.Kind == common.DIR
	ic.Iunlock(ip)
	if isdir {
		return ic.iputErr(ip, fmt.Errorf("link %q: %w", oldpath, common.ErrIsDir))
	}
	return ic.iputErr(ip, ic.hardlink(fsno, ip, newpath))
}

func (ic *Icache) hardlink(fsno uint32, ip *Inode, newpath string) error {
	if err := ic.Link(ip); err != nil {
		return err
	}
	dp, name, err := ic.NameiParent(fsno, newpath)
	if err == nil {
		ic.Ilock(dp)
		err = dp.Dirlink(name, ip.inum)
		if err == nil {
			dp.Mtime = now()
			dp.dirty = true
			err = dp.update()
		}
		ic.Iunlock(dp)
		err = ic.iputErr(dp, err)
	}
	if err != nil {
		if e := ic.Unlink(ip); e != nil {
			util.DPrintf(1, "Hardlink: undo link of %v: %v\n", ip, e)
		}
		return err
	}
	return nil
}

// MkRoot makes inode ROOTINUM of a freshly formatted fsno an empty
// directory whose ".." is itself.
func (ic *Icache) MkRoot(fsno uint32) error {
	ip, err := ic.claim(fsno, common.ROOTINUM, common.DIR)
	if err != nil {
		return err
	}
	if ip == nil {
		return fmt.Errorf("root of fs %d: %w", fsno, common.ErrExists)
	}
	ic.Ilock(ip)
	ip.Nlink = 2
	err = ip.Dirlink(".", common.ROOTINUM)
	if err == nil {
		err = ip.Dirlink("..", common.ROOTINUM)
	}
	if err == nil {
		err = ip.update()
	}
	ic.Iunlock(ip)
	return ic.iputErr(ip, err)
}
