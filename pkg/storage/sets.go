// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package storage

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"iscsitarget/pkg/logger"
)

// StripeSet spreads consecutive stripes round robin over its members
// (RAID0).
type StripeSet struct {
	members    []Device
	stripeSize int64
	size       int64
}

func NewStripeSet(stripeSize int64, members ...Device) (*StripeSet, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("stripe set needs at least one member")
	}
	if stripeSize <= 0 {
		return nil, fmt.Errorf("invalid stripe size %d", stripeSize)
	}
	smallest := members[0].Size()
	for _, member := range members[1:] {
		if member.Size() < smallest {
			smallest = member.Size()
		}
	}
	stripesPerMember := smallest / stripeSize
	return &StripeSet{
		members:    members,
		stripeSize: stripeSize,
		size:       stripesPerMember * stripeSize * int64(len(members)),
	}, nil
}

func (set *StripeSet) Size() int64 {
	return set.size
}

// locate maps a set offset to a member and an offset inside it, with the
// number of bytes left in that stripe.
func (set *StripeSet) locate(offset int64) (Device, int64, int64) {
	stripe := offset / set.stripeSize
	inside := offset % set.stripeSize
	member := set.members[stripe%int64(len(set.members))]
	memberOffset := (stripe/int64(len(set.members)))*set.stripeSize + inside
	return member, memberOffset, set.stripeSize - inside
}

func (set *StripeSet) walk(length, offset int64, operation func(Device, int64, int64, int64) error) error {
	done := int64(0)
	for done < length {
		member, memberOffset, left := set.locate(offset + done)
		chunk := length - done
		if chunk > left {
			chunk = left
		}
		if err := operation(member, memberOffset, done, chunk); err != nil {
			return err
		}
		done += chunk
	}
	return nil
}

func (set *StripeSet) ReadAt(p []byte, offset int64) (int, error) {
	if err := checkRange(set, offset, int64(len(p))); err != nil {
		return 0, err
	}
	read := 0
	err := set.walk(int64(len(p)), offset, func(member Device, memberOffset, done, chunk int64) error {
		n, err := member.ReadAt(p[done:done+chunk], memberOffset)
		read += n
		return err
	})
	return read, err
}

func (set *StripeSet) WriteAt(p []byte, offset int64) (int, error) {
	if err := checkRange(set, offset, int64(len(p))); err != nil {
		return 0, err
	}
	written := 0
	err := set.walk(int64(len(p)), offset, func(member Device, memberOffset, done, chunk int64) error {
		n, err := member.WriteAt(p[done:done+chunk], memberOffset)
		written += n
		return err
	})
	return written, err
}

func (set *StripeSet) Discard(offset, length int64) error {
	if err := checkRange(set, offset, length); err != nil {
		return err
	}
	return set.walk(length, offset, func(member Device, memberOffset, _, chunk int64) error {
		return Discard(member, memberOffset, chunk)
	})
}

// Flush syncs every member completely; a stripe range touches all of
// them once it is longer than a full row.
func (set *StripeSet) Flush(offset, length int64) error {
	if err := checkRange(set, offset, flushLength(set, offset, length)); err != nil {
		return err
	}
	for _, member := range set.members {
		if err := member.Flush(0, 0); err != nil {
			return err
		}
	}
	return nil
}

func (set *StripeSet) Close() error {
	return closeAll(set.members)
}

// MirrorSet keeps identical copies on every member (RAID1). Reads are
// served by the first member that succeeds.
type MirrorSet struct {
	members []Device
	size    int64
}

func NewMirrorSet(members ...Device) (*MirrorSet, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("mirror set needs at least one member")
	}
	size := members[0].Size()
	for _, member := range members[1:] {
		if member.Size() < size {
			size = member.Size()
		}
	}
	return &MirrorSet{members: members, size: size}, nil
}

func (set *MirrorSet) Size() int64 {
	return set.size
}

func (set *MirrorSet) ReadAt(p []byte, offset int64) (int, error) {
	if err := checkRange(set, offset, int64(len(p))); err != nil {
		return 0, err
	}
	var lastErr error
	for index, member := range set.members {
		n, err := member.ReadAt(p, offset)
		if err == nil {
			return n, nil
		}
		logger.GetLogger().Warnf("mirror member %d read failed: %s", index, err)
		lastErr = err
	}
	return 0, lastErr
}

func (set *MirrorSet) WriteAt(p []byte, offset int64) (int, error) {
	if err := checkRange(set, offset, int64(len(p))); err != nil {
		return 0, err
	}
	for index, member := range set.members {
		if _, err := member.WriteAt(p, offset); err != nil {
			return 0, fmt.Errorf("mirror member %d: %w", index, err)
		}
	}
	return len(p), nil
}

func (set *MirrorSet) Flush(offset, length int64) error {
	for _, member := range set.members {
		if err := member.Flush(offset, length); err != nil {
			return err
		}
	}
	return nil
}

func (set *MirrorSet) Discard(offset, length int64) error {
	if err := checkRange(set, offset, length); err != nil {
		return err
	}
	for _, member := range set.members {
		if err := Discard(member, offset, length); err != nil {
			return err
		}
	}
	return nil
}

func (set *MirrorSet) Close() error {
	return closeAll(set.members)
}

const zeroChunk = 64 * 1024

// Discard deallocates a range, writing zeroes on devices that cannot.
func Discard(device Device, offset, length int64) error {
	if discarder, ok := device.(Discarder); ok {
		err := discarder.Discard(offset, length)
		// filesystems without hole punching get zeroes written instead
		if !errors.Is(err, unix.EOPNOTSUPP) {
			return err
		}
	}
	zeroes := make([]byte, zeroChunk)
	for length > 0 {
		chunk := length
		if chunk > zeroChunk {
			chunk = zeroChunk
		}
		if _, err := device.WriteAt(zeroes[:chunk], offset); err != nil {
			return err
		}
		offset += chunk
		length -= chunk
	}
	return nil
}

func closeAll(members []Device) error {
	var first error
	for _, member := range members {
		if err := member.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
