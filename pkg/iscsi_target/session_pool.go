// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"errors"
	"sync"
)

var ErrPoolExhausted = errors.New("no free session slot")

// SessionHandle indexes a slot of a SessionPool.
type SessionHandle int

const noSessionHandle = SessionHandle(-1)

// SessionPool is a fixed set of connection slots drawn on accept and
// returned when the connection worker exits.
type SessionPool struct {
	mutex sync.Mutex
	slots []*iscsiConnection
	free  chan SessionHandle
}

func NewSessionPool(capacity int) *SessionPool {
	pool := &SessionPool{
		slots: make([]*iscsiConnection, capacity),
		free:  make(chan SessionHandle, capacity),
	}
	for index := 0; index < capacity; index++ {
		pool.free <- SessionHandle(index)
	}
	return pool
}

// Acquire never blocks: ErrPoolExhausted when every slot is taken.
func (pool *SessionPool) Acquire(connection *iscsiConnection) (SessionHandle, error) {
	select {
	case handle := <-pool.free:
		pool.mutex.Lock()
		pool.slots[handle] = connection
		pool.mutex.Unlock()
		return handle, nil
	default:
		return noSessionHandle, ErrPoolExhausted
	}
}

func (pool *SessionPool) Release(handle SessionHandle) {
	if handle < 0 || int(handle) >= len(pool.slots) {
		return
	}
	pool.mutex.Lock()
	if pool.slots[handle] == nil {
		pool.mutex.Unlock()
		return
	}
	pool.slots[handle] = nil
	pool.mutex.Unlock()
	pool.free <- handle
}

// connections returns the occupied slots.
func (pool *SessionPool) connections() []*iscsiConnection {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	result := make([]*iscsiConnection, 0, len(pool.slots))
	for _, connection := range pool.slots {
		if connection != nil {
			result = append(result, connection)
		}
	}
	return result
}

func (pool *SessionPool) Capacity() int {
	return len(pool.slots)
}

func (pool *SessionPool) InUse() int {
	return len(pool.slots) - len(pool.free)
}
