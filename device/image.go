package device

import (
	"fmt"

	"github.com/mit-pdos/go-journal/util"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-bcache/bcache"
	"github.com/mit-pdos/go-bcache/common"
)

// Image is a raw disk image of 512-byte sectors.
type Image struct {
	fd    int
	nsect uint64
}

// OpenImage opens (creating if needed) the image at path and makes it
// nsect sectors long. If nsect is 0 the image keeps its current size.
func OpenImage(path string, nsect uint64) (*Image, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if nsect == 0 {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		nsect = uint64(st.Size) / uint64(common.BlockSize)
	} else if err := unix.Ftruncate(fd, int64(nsect*uint64(common.BlockSize))); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("truncate %s: %w", path, err)
	}
	util.DPrintf(1, "OpenImage: %s %d sectors\n", path, nsect)
	return &Image{fd: fd, nsect: nsect}, nil
}

func (img *Image) Nsect() uint64 {
	return img.nsect
}

func (img *Image) transfer(bn uint64, data []byte, write bool) error {
	if bn >= img.nsect {
		return common.ErrIO
	}
	off := int64(bn * uint64(common.BlockSize))
	var n int
	var err error
	if write {
		n, err = unix.Pwrite(img.fd, data, off)
	} else {
		n, err = unix.Pread(img.fd, data, off)
	}
	if err != nil {
		return fmt.Errorf("sector %d: %v: %w", bn, err, common.ErrIO)
	}
	if n != len(data) {
		return fmt.Errorf("sector %d: short transfer %d: %w", bn, n, common.ErrIO)
	}
	return nil
}

func (img *Image) Sync() error {
	return unix.Fsync(img.fd)
}

func (img *Image) Close() error {
	if err := img.Sync(); err != nil {
		unix.Close(img.fd)
		return err
	}
	return unix.Close(img.fd)
}

// ImageDriver serves each minor unit from an Image. Transfers complete
// before Strategy returns.
type ImageDriver struct {
	units []*Image
}

func NewImageDriver(units ...*Image) *ImageDriver {
	return &ImageDriver{units: units}
}

func (d *ImageDriver) Strategy(minor uint16, b *bcache.Buf) {
	if int(minor) >= len(d.units) {
		b.IODone(common.ErrNoDev)
		return
	}
	b.IODone(d.units[minor].transfer(uint64(b.Blkno()), b.Data, b.IsWrite()))
}

func (d *ImageDriver) Close() error {
	var err error
	for _, u := range d.units {
		if e := u.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}
