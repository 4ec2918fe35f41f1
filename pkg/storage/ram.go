// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package storage

import "sync"

// RAM is a memory resident device, lost on Close.
type RAM struct {
	lock   sync.RWMutex
	memory []byte
}

func NewRAM(size int64) *RAM {
	return &RAM{memory: make([]byte, size)}
}

func (ram *RAM) ReadAt(p []byte, offset int64) (int, error) {
	ram.lock.RLock()
	defer ram.lock.RUnlock()
	if ram.memory == nil {
		return 0, ErrClosed
	}
	if err := checkRange(ram, offset, int64(len(p))); err != nil {
		return 0, err
	}
	return copy(p, ram.memory[offset:]), nil
}

func (ram *RAM) WriteAt(p []byte, offset int64) (int, error) {
	ram.lock.Lock()
	defer ram.lock.Unlock()
	if ram.memory == nil {
		return 0, ErrClosed
	}
	if err := checkRange(ram, offset, int64(len(p))); err != nil {
		return 0, err
	}
	return copy(ram.memory[offset:], p), nil
}

func (ram *RAM) Size() int64 {
	return int64(len(ram.memory))
}

func (ram *RAM) Flush(offset, length int64) error {
	return checkRange(ram, offset, flushLength(ram, offset, length))
}

func (ram *RAM) Discard(offset, length int64) error {
	ram.lock.Lock()
	defer ram.lock.Unlock()
	if err := checkRange(ram, offset, length); err != nil {
		return err
	}
	region := ram.memory[offset : offset+length]
	for i := range region {
		region[i] = 0
	}
	return nil
}

func (ram *RAM) Close() error {
	ram.lock.Lock()
	defer ram.lock.Unlock()
	ram.memory = nil
	return nil
}
