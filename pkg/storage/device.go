// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/

// Package storage provides the block devices logical units are backed by.
// A device is either a leaf (file extent, memory) or a set of devices
// (stripe, mirror) that fans I/O out to its children.
package storage

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrOutOfRange = errors.New("access beyond device end")
	ErrClosed     = errors.New("device is closed")
)

// Device is a fixed size byte addressable store.
type Device interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
	// Flush makes the byte range durable; length 0 means up to the end.
	Flush(offset, length int64) error
	Close() error
}

// Mapper is implemented by devices that can expose a region as memory.
type Mapper interface {
	Map(offset, length int64) (*Mapping, error)
	Unmap(mapping *Mapping) error
}

// Discarder is implemented by devices able to deallocate a byte range.
// Discarded bytes read back as zeroes.
type Discarder interface {
	Discard(offset, length int64) error
}

// Mapping is a memory view of a device region. Data covers exactly the
// requested range; region is what the kernel actually mapped.
type Mapping struct {
	Data   []byte
	Offset int64
	region []byte
}

func checkRange(device Device, offset, length int64) error {
	if offset < 0 || length < 0 || offset+length > device.Size() || offset+length < offset {
		return fmt.Errorf("%w: offset %d, length %d, size %d", ErrOutOfRange, offset, length, device.Size())
	}
	return nil
}

func flushLength(device Device, offset, length int64) int64 {
	if length == 0 {
		return device.Size() - offset
	}
	return length
}
