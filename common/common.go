package common

import "fmt"

const (
	BlockSize uint32 = 512

	BOOTBLOCK  Bnum = 0
	SUPERBLOCK Bnum = 1

	NADDR     uint32 = 21 // # block references in an inode
	NDIRECT   uint32 = 12
	NSINGLE   uint32 = 6 // slots NDIRECT..NDIRECT+NSINGLE-1 are single indirect
	NDOUBLE   uint32 = 2
	NTRIPLE   uint32 = 1
	NINDLEVEL uint32 = 3
	NBLKBLK   uint32 = BlockSize / 4 // # block references per indirect block

	INODESZ  uint32 = 128 // on-disk size
	INODEBLK uint32 = BlockSize / INODESZ

	DIRSIZ   uint32 = 28
	DIRENTSZ uint32 = 4 + DIRSIZ

	NBITBLOCK uint32 = BlockSize * 8
)

type Bnum uint32

const NULLBNUM Bnum = 0

type Inum uint32

const (
	NULLINUM Inum = 0
	ROOTINUM Inum = 1
)

// Dev names a block device unit: the major number selects the driver
// and the minor number the unit within that driver.
type Dev uint32

const NODEV Dev = ^Dev(0)

func MkDev(major uint16, minor uint16) Dev {
	return Dev(uint32(major)<<16 | uint32(minor))
}

func (d Dev) Major() uint16 {
	return uint16(d >> 16)
}

func (d Dev) Minor() uint16 {
	return uint16(d)
}

func (d Dev) String() string {
	if d == NODEV {
		return "nodev"
	}
	return fmt.Sprintf("%d/%d", d.Major(), d.Minor())
}

type Kind uint32

const (
	FREE Kind = 0
	REG  Kind = 1
	DIR  Kind = 2
	CHR  Kind = 3
	BLK  Kind = 4
)

func (k Kind) IsDevice() bool {
	return k == CHR || k == BLK
}

func (k Kind) String() string {
	switch k {
	case FREE:
		return "free"
	case REG:
		return "reg"
	case DIR:
		return "dir"
	case CHR:
		return "chr"
	case BLK:
		return "blk"
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}
