// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package storage

import (
	"fmt"
	"io"
	"os"

	"github.com/frostschutz/go-fibmap"
	"github.com/openebs/sparse-tools/sparse"
	"golang.org/x/sys/unix"

	"iscsitarget/pkg/common"
)

// Extent is a region of a regular file or block device.
type Extent struct {
	path string
	file *os.File
	base int64
	size int64
}

// OpenExtent opens size bytes of path starting at base. Size 0 takes the
// rest of the file. With create set a missing file is created and a
// short file is extended to base+size.
func OpenExtent(path string, base, size int64, create bool) (*Extent, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, common.RaiseFrom(fmt.Errorf("cannot open extent %s", path), err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	fileSize := info.Size()
	if info.Mode()&os.ModeDevice != 0 {
		if fileSize, err = file.Seek(0, io.SeekEnd); err != nil {
			file.Close()
			return nil, err
		}
	}
	if size == 0 {
		size = fileSize - base
	}
	if base+size > fileSize {
		if !create {
			file.Close()
			return nil, fmt.Errorf(
				"extent %s is %d bytes, need %d", path, fileSize, base+size)
		}
		if err := file.Truncate(base + size); err != nil {
			file.Close()
			return nil, err
		}
	}
	if size <= 0 {
		file.Close()
		return nil, fmt.Errorf("extent %s is empty", path)
	}
	return &Extent{path: path, file: file, base: base, size: size}, nil
}

func (extent *Extent) Path() string {
	return extent.path
}

func (extent *Extent) ReadAt(p []byte, offset int64) (int, error) {
	if err := checkRange(extent, offset, int64(len(p))); err != nil {
		return 0, err
	}
	return extent.file.ReadAt(p, extent.base+offset)
}

func (extent *Extent) WriteAt(p []byte, offset int64) (int, error) {
	if err := checkRange(extent, offset, int64(len(p))); err != nil {
		return 0, err
	}
	return extent.file.WriteAt(p, extent.base+offset)
}

func (extent *Extent) Size() int64 {
	return extent.size
}

func (extent *Extent) Flush(offset, length int64) error {
	if err := checkRange(extent, offset, flushLength(extent, offset, length)); err != nil {
		return err
	}
	return unix.Fdatasync(int(extent.file.Fd()))
}

// Discard punches a hole keeping the file size.
func (extent *Extent) Discard(offset, length int64) error {
	if err := checkRange(extent, offset, length); err != nil {
		return err
	}
	mode := uint32(sparse.FALLOC_FL_KEEP_SIZE | sparse.FALLOC_FL_PUNCH_HOLE)
	return unix.Fallocate(int(extent.file.Fd()), mode, extent.base+offset, length)
}

// Allocated returns the number of bytes of the extent backed by
// filesystem blocks.
func (extent *Extent) Allocated() (int64, error) {
	start := uint64(extent.base)
	end := uint64(extent.base + extent.size)
	allocated := uint64(0)
	for start < end {
		extents, errno := fibmap.Fiemap(extent.file.Fd(), start, end-start, 1024)
		if errno != 0 {
			return 0, fmt.Errorf("fiemap %s: %w", extent.path, errno)
		}
		if len(extents) == 0 {
			break
		}
		last := false
		for _, fileExtent := range extents {
			from := maxUint64(fileExtent.Logical, uint64(extent.base))
			to := minUint64(fileExtent.Logical+fileExtent.Length, end)
			if to > from {
				allocated += to - from
			}
			start = fileExtent.Logical + fileExtent.Length
			if fileExtent.Flags&fibmap.FIEMAP_EXTENT_LAST != 0 {
				last = true
			}
		}
		if last {
			break
		}
	}
	return int64(allocated), nil
}

func (extent *Extent) Map(offset, length int64) (*Mapping, error) {
	if err := checkRange(extent, offset, length); err != nil {
		return nil, err
	}
	pageSize := int64(os.Getpagesize())
	fileOffset := extent.base + offset
	aligned := fileOffset &^ (pageSize - 1)
	delta := fileOffset - aligned
	region, err := unix.Mmap(
		int(extent.file.Fd()),
		aligned,
		int(length+delta),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		return nil, common.RaiseFrom(
			fmt.Errorf("cannot map %s at %d+%d", extent.path, offset, length), err)
	}
	return &Mapping{Data: region[delta : delta+length], Offset: offset, region: region}, nil
}

func (extent *Extent) Unmap(mapping *Mapping) error {
	if mapping == nil || mapping.region == nil {
		return nil
	}
	err := unix.Munmap(mapping.region)
	mapping.region = nil
	mapping.Data = nil
	return err
}

// Sync writes dirty pages of the mapping back to the file.
func (mapping *Mapping) Sync() error {
	if mapping.region == nil {
		return nil
	}
	return unix.Msync(mapping.region, unix.MS_SYNC)
}

func (extent *Extent) Close() error {
	return extent.file.Close()
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
