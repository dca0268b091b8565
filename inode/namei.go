package inode

import (
	"fmt"
	"strings"

	"github.com/mit-pdos/go-bcache/common"
)

func splitPath(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
}

// namex walks path from the root of fsno. With parent, it stops one
// element early and also returns the final element. The returned inode
// is referenced and unlocked.
func (ic *Icache) namex(fsno uint32, path string, parent bool) (*Inode, string, error) {
	elems := splitPath(path)
	if parent && len(elems) == 0 {
		return nil, "", fmt.Errorf("%q has no parent: %w", path, common.ErrInval)
	}
	ip, err := ic.Iget(fsno, common.ROOTINUM)
	if err != nil {
		return nil, "", err
	}
	for i, name := range elems {
		ic.Ilock(ip)
		if ip.Kind != common.DIR {
			ic.Iunlock(ip)
			return nil, "", ic.iputErr(ip, fmt.Errorf("%q: %w", path, common.ErrNotDir))
		}
		if parent && i == len(elems)-1 {
			ic.Iunlock(ip)
			if err := checkName(name); err != nil {
				return nil, "", ic.iputErr(ip, err)
			}
			return ip, name, nil
		}
		inum, _, err := ip.Dirlookup(name)
		ic.Iunlock(ip)
		if err != nil {
			return nil, "", ic.iputErr(ip, fmt.Errorf("%q: %w", path, err))
		}
		var next *Inode
		if inum == ip.inum {
			next = ic.Idup(ip)
		} else {
			next, err = ic.Iget(fsno, inum)
		}
		if e := ic.Iput(ip); e != nil && err == nil {
			err = e
			ic.Iput(next)
		}
		if err != nil {
			return nil, "", err
		}
		ip = next
	}
	return ip, "", nil
}

// Namei returns the inode named by path, referenced and unlocked. Paths
// are resolved from the root directory of fsno.
func (ic *Icache) Namei(fsno uint32, path string) (*Inode, error) {
	ip, _, err := ic.namex(fsno, path, false)
	return ip, err
}

// NameiParent returns the directory that would hold path's last
// element, referenced and unlocked, and that element.
func (ic *Icache) NameiParent(fsno uint32, path string) (*Inode, string, error) {
	return ic.namex(fsno, path, true)
}
