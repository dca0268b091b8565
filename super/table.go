package super

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bcache/bcache"
	"github.com/mit-pdos/go-bcache/common"
)

// Filesys is a mounted filesystem: its number, its device and its
// superblock. The superblock fields are read-only once mounted.
type Filesys struct {
	Fsno  uint32
	Dev   common.Dev
	Super *Super

	bc *bcache.Bcache

	mu   *sync.Mutex // serializes bitmap updates
	next uint32      // where the next Balloc scan starts
}

func (fs *Filesys) String() string {
	return fmt.Sprintf("fs %d on %v", fs.Fsno, fs.Dev)
}

// InodeBlock returns the block and byte offset of inode inum's record.
func (fs *Filesys) InodeBlock(inum common.Inum) (common.Bnum, uint32) {
	return fs.Super.InodeBlock(inum)
}

// Table maps filesystem numbers to mounted filesystems.
type Table struct {
	mu  *sync.RWMutex
	bc  *bcache.Bcache
	fss map[uint32]*Filesys
}

func MkTable(bc *bcache.Bcache) *Table {
	return &Table{
		mu:  new(sync.RWMutex),
		bc:  bc,
		fss: make(map[uint32]*Filesys),
	}
}

func (t *Table) Bcache() *bcache.Bcache {
	return t.bc
}

// Mount reads dev's superblock and registers it as filesystem fsno.
func (t *Table) Mount(fsno uint32, dev common.Dev) (*Filesys, error) {
	sb, err := ReadSuper(t.bc, dev)
	if err != nil {
		return nil, fmt.Errorf("mount %v: %w", dev, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.fss[fsno]; ok {
		return nil, fmt.Errorf("mount fs %d: %w", fsno, common.ErrExists)
	}
	for _, fs := range t.fss {
		if fs.Dev == dev {
			return nil, fmt.Errorf("mount %v: %w", dev, common.ErrExists)
		}
	}
	fs := &Filesys{
		Fsno:  fsno,
		Dev:   dev,
		Super: sb,
		bc:    t.bc,
		mu:    new(sync.Mutex),
		next:  uint32(sb.DataStart),
	}
	t.fss[fsno] = fs
	util.DPrintf(1, "Mount: %v %v\n", fs, sb)
	return fs, nil
}

// Unmount writes back fsno's delayed writes and drops it from the
// table and the cache. In-core inodes must already be released.
func (t *Table) Unmount(fsno uint32) error {
	t.mu.Lock()
	fs, ok := t.fss[fsno]
	if ok {
		delete(t.fss, fsno)
	}
	t.mu.Unlock()
	if !ok {
		return common.ErrNoFs
	}
	err := t.bc.Bflush(fs.Dev)
	t.bc.Binval(fs.Dev)
	util.DPrintf(1, "Unmount: %v err %v\n", fs, err)
	return err
}

func (t *Table) Lookup(fsno uint32) (*Filesys, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fs, ok := t.fss[fsno]
	if !ok {
		return nil, fmt.Errorf("fs %d: %w", fsno, common.ErrNoFs)
	}
	return fs, nil
}

// Sync writes back every mounted filesystem's delayed writes.
func (t *Table) Sync() error {
	t.mu.RLock()
	devs := make([]common.Dev, 0, len(t.fss))
	for _, fs := range t.fss {
		devs = append(devs, fs.Dev)
	}
	t.mu.RUnlock()
	var err error
	for _, dev := range devs {
		if e := t.bc.Bflush(dev); e != nil && err == nil {
			err = e
		}
	}
	return err
}
