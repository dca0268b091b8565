package inode

import (
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bcache/common"
)

// Dirent is a directory entry. An entry with a null Inum is unused.
type Dirent struct {
	Inum common.Inum
	Name string
}

func (de Dirent) encode() []byte {
	name := make([]byte, common.DIRSIZ)
	copy(name, de.Name)
	enc := marshal.NewEnc(uint64(common.DIRENTSZ))
	enc.PutInt32(uint32(de.Inum))
	enc.PutBytes(name)
	return enc.Finish()
}

func decodeDirent(data []byte) Dirent {
	dec := marshal.NewDec(data)
	inum := common.Inum(dec.GetInt32())
	name := dec.GetBytes(uint64(common.DIRSIZ))
	n := 0
	for n < len(name) && name[n] != 0 {
		n++
	}
	return Dirent{Inum: inum, Name: string(name[:n])}
}

func checkName(name string) error {
	if name == "" {
		return fmt.Errorf("empty name: %w", common.ErrInval)
	}
	if uint32(len(name)) > common.DIRSIZ {
		return fmt.Errorf("%q: %w", name, common.ErrNameTooLong)
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' || name[i] == 0 {
			return fmt.Errorf("%q: %w", name, common.ErrInval)
		}
	}
	return nil
}

// apply calls f on each entry of directory dp with its byte offset
// until f returns false.
func (dp *Inode) apply(f func(de Dirent, off uint64) bool) error {
	if dp.Kind != common.DIR {
		return fmt.Errorf("%v: %w", dp, common.ErrNotDir)
	}
	data := make([]byte, common.DIRENTSZ)
	for off := uint64(0); off < uint64(dp.Size); off += uint64(common.DIRENTSZ) {
		n, err := dp.Readi(data, off)
		if err != nil {
			return err
		}
		if n != uint64(common.DIRENTSZ) {
			panic(fmt.Sprintf("apply: short dirent in %v", dp))
		}
		if !f(decodeDirent(data), off) {
			break
		}
	}
	return nil
}

// Dirlookup returns the inode number of name in dp and the entry's
// offset. Caller holds dp's lock.
func (dp *Inode) Dirlookup(name string) (common.Inum, uint64, error) {
	var inum = common.NULLINUM
	var off uint64
	err := dp.apply(func(de Dirent, o uint64) bool {
		if de.Inum != common.NULLINUM && de.Name == name {
			inum = de.Inum
			off = o
			return false
		}
		return true
	})
	if err != nil {
		return common.NULLINUM, 0, err
	}
	if inum == common.NULLINUM {
		return common.NULLINUM, 0, fmt.Errorf("%q: %w", name, common.ErrNotFound)
	}
	return inum, off, nil
}

// Dirlink adds the entry (name, inum) to dp, reusing an unused slot if
// there is one. Caller holds dp's lock.
func (dp *Inode) Dirlink(name string, inum common.Inum) error {
	if err := checkName(name); err != nil {
		return err
	}
	var exists bool
	var free = uint64(dp.Size)
	err := dp.apply(func(de Dirent, o uint64) bool {
		if de.Inum == common.NULLINUM {
			if free == uint64(dp.Size) {
				free = o
			}
			return true
		}
		if de.Name == name {
			exists = true
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%q: %w", name, common.ErrExists)
	}
	util.DPrintf(5, "Dirlink %v: %q -> %d off %d\n", dp, name, inum, free)
	_, err = dp.Writei(Dirent{Inum: inum, Name: name}.encode(), free)
	return err
}

// Dirunlink clears name's entry in dp and returns the inode number it
// named. Caller holds dp's lock.
func (dp *Inode) Dirunlink(name string) (common.Inum, error) {
	inum, off, err := dp.Dirlookup(name)
	if err != nil {
		return common.NULLINUM, err
	}
	util.DPrintf(5, "Dirunlink %v: %q -> %d off %d\n", dp, name, inum, off)
	_, err = dp.Writei(Dirent{}.encode(), off)
	return inum, err
}

// IsDirEmpty reports whether dp has entries other than "." and "..".
// Caller holds dp's lock.
func (dp *Inode) IsDirEmpty() (bool, error) {
	empty := true
	err := dp.apply(func(de Dirent, o uint64) bool {
		if de.Inum == common.NULLINUM || de.Name == "." || de.Name == ".." {
			return true
		}
		empty = false
		return false
	})
	util.DPrintf(10, "IsDirEmpty: %v -> %v\n", dp, empty)
	return empty, err
}

// Readdir returns dp's used entries in order. Caller holds dp's lock.
func (dp *Inode) Readdir() ([]Dirent, error) {
	var des []Dirent
	err := dp.apply(func(de Dirent, o uint64) bool {
		if de.Inum != common.NULLINUM {
			des = append(des, de)
		}
		return true
	})
	return des, err
}
