// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"fmt"
	"sync"

	"iscsitarget/pkg/logger"
	"iscsitarget/pkg/storage"
)

// MaxStagedTransfer caps a single request on buffered file stores.
const MaxStagedTransfer = 1 << 20

type BackingStore interface {
	Kind() storage.Kind
	Path() string
	Size() int64
	ReadAt(buffer []byte, offset int64) error
	WriteAt(buffer []byte, offset int64) error
	Sync(offset, length int64) error
	Discard(offset, length int64) error
	Device() storage.Device
	Close() error
}

// OpenBackingStore builds the device tree of spec and picks the access
// policy its kind asks for.
func OpenBackingStore(spec storage.Spec) (BackingStore, error) {
	device, err := spec.Open()
	if err != nil {
		return nil, err
	}
	base := baseStore{spec: spec, device: device}
	switch spec.Kind {
	case storage.KindRAM:
		return &ramStore{baseStore: base}, nil
	case storage.KindMmap:
		mapper, ok := device.(storage.Mapper)
		if !ok {
			device.Close()
			return nil, fmt.Errorf("device %s cannot be memory mapped", spec)
		}
		return &mmapStore{baseStore: base, mapper: mapper}, nil
	}
	return &fileStore{baseStore: base, buffer: make([]byte, MaxStagedTransfer)}, nil
}

type baseStore struct {
	spec   storage.Spec
	device storage.Device
}

func (store *baseStore) Kind() storage.Kind {
	return store.spec.Kind
}

func (store *baseStore) Path() string {
	return store.spec.String()
}

func (store *baseStore) Size() int64 {
	return store.device.Size()
}

func (store *baseStore) Device() storage.Device {
	return store.device
}

func (store *baseStore) Sync(offset, length int64) error {
	return store.device.Flush(offset, length)
}

func (store *baseStore) Discard(offset, length int64) error {
	return storage.Discard(store.device, offset, length)
}

func (store *baseStore) Close() error {
	return store.device.Close()
}

// ramStore reads and writes memory directly.
type ramStore struct {
	baseStore
}

func (store *ramStore) ReadAt(buffer []byte, offset int64) error {
	_, err := store.device.ReadAt(buffer, offset)
	return err
}

func (store *ramStore) WriteAt(buffer []byte, offset int64) error {
	_, err := store.device.WriteAt(buffer, offset)
	return err
}

// fileStore stages every request through one bounded buffer.
type fileStore struct {
	baseStore
	lock   sync.Mutex
	buffer []byte
}

func (store *fileStore) ReadAt(buffer []byte, offset int64) error {
	if len(buffer) > len(store.buffer) {
		return fmt.Errorf("%w: read of %d bytes", ErrTransferTooLarge, len(buffer))
	}
	store.lock.Lock()
	defer store.lock.Unlock()
	staged := store.buffer[:len(buffer)]
	if _, err := store.device.ReadAt(staged, offset); err != nil {
		return err
	}
	copy(buffer, staged)
	return nil
}

func (store *fileStore) WriteAt(buffer []byte, offset int64) error {
	if len(buffer) > len(store.buffer) {
		return fmt.Errorf("%w: write of %d bytes", ErrTransferTooLarge, len(buffer))
	}
	store.lock.Lock()
	defer store.lock.Unlock()
	staged := store.buffer[:len(buffer)]
	copy(staged, buffer)
	_, err := store.device.WriteAt(staged, offset)
	return err
}

// mmapStore maps the requested range for every access. The latest
// mapping stays alive until the next access or Sync, so at most one
// mapping per store exists at a time; lock guards it.
type mmapStore struct {
	baseStore
	mapper storage.Mapper
	lock   sync.Mutex
	last   *storage.Mapping
}

func (store *mmapStore) remap(offset, length int64) (*storage.Mapping, error) {
	if err := store.release(); err != nil {
		return nil, err
	}
	mapping, err := store.mapper.Map(offset, length)
	if err != nil {
		return nil, err
	}
	store.last = mapping
	return mapping, nil
}

func (store *mmapStore) release() error {
	if store.last == nil {
		return nil
	}
	last := store.last
	store.last = nil
	if err := last.Sync(); err != nil {
		logger.GetLogger().Errorf("msync of %s failed: %s", store.Path(), err)
	}
	return store.mapper.Unmap(last)
}

func (store *mmapStore) ReadAt(buffer []byte, offset int64) error {
	if len(buffer) == 0 {
		return nil
	}
	store.lock.Lock()
	defer store.lock.Unlock()
	mapping, err := store.remap(offset, int64(len(buffer)))
	if err != nil {
		return err
	}
	copy(buffer, mapping.Data)
	return nil
}

func (store *mmapStore) WriteAt(buffer []byte, offset int64) error {
	if len(buffer) == 0 {
		return nil
	}
	store.lock.Lock()
	defer store.lock.Unlock()
	mapping, err := store.remap(offset, int64(len(buffer)))
	if err != nil {
		return err
	}
	copy(mapping.Data, buffer)
	return nil
}

func (store *mmapStore) Sync(offset, length int64) error {
	store.lock.Lock()
	err := store.release()
	store.lock.Unlock()
	if err != nil {
		return err
	}
	return store.device.Flush(offset, length)
}

func (store *mmapStore) Close() error {
	store.lock.Lock()
	err := store.release()
	store.lock.Unlock()
	if closeErr := store.device.Close(); err == nil {
		err = closeErr
	}
	return err
}
