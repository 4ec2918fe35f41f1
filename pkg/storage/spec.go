// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package storage

import (
	"fmt"
	"strings"

	units "github.com/docker/go-units"
)

type Kind string

const (
	KindRAM    Kind = "ram"
	KindFile   Kind = "file"
	KindMmap   Kind = "mmap"
	KindMirror Kind = "mirror"
	KindStripe Kind = "stripe"
)

const DefaultStripeSize = 64 * 1024

// Spec describes a device tree as given on the command line:
//
//	ram:64MiB
//	file:/srv/disk.img[:1GiB]
//	mmap:/srv/disk.img[:1GiB]
//	mirror:/a.img,/b.img[:1GiB]
//	stripe:/a.img,/b.img[:1GiB]
type Spec struct {
	Kind       Kind
	Paths      []string
	Size       int64
	StripeSize int64
}

func ParseSpec(text string) (Spec, error) {
	kind, rest, ok := strings.Cut(text, ":")
	if !ok || rest == "" {
		return Spec{}, fmt.Errorf("device %q is not in kind:argument form", text)
	}
	spec := Spec{Kind: Kind(kind)}
	if spec.Kind == KindRAM {
		size, err := units.RAMInBytes(rest)
		if err != nil {
			return Spec{}, fmt.Errorf("bad ram size %q: %w", rest, err)
		}
		spec.Size = size
		return spec, spec.validate()
	}
	paths := rest
	if index := strings.LastIndex(rest, ":"); index > 0 {
		if size, err := units.RAMInBytes(rest[index+1:]); err == nil {
			spec.Size = size
			paths = rest[:index]
		}
	}
	spec.Paths = strings.Split(paths, ",")
	if spec.Kind == KindStripe {
		spec.StripeSize = DefaultStripeSize
	}
	return spec, spec.validate()
}

func (spec Spec) validate() error {
	switch spec.Kind {
	case KindRAM:
		if spec.Size <= 0 {
			return fmt.Errorf("ram device needs a size")
		}
	case KindFile, KindMmap:
		if len(spec.Paths) != 1 {
			return fmt.Errorf("%s device takes exactly one path", spec.Kind)
		}
	case KindMirror, KindStripe:
		if len(spec.Paths) < 2 {
			return fmt.Errorf("%s device needs at least two paths", spec.Kind)
		}
	default:
		return fmt.Errorf("unknown device kind %q", spec.Kind)
	}
	for _, path := range spec.Paths {
		if path == "" {
			return fmt.Errorf("empty path in %s device", spec.Kind)
		}
	}
	return nil
}

func (spec Spec) String() string {
	if spec.Kind == KindRAM {
		return fmt.Sprintf("%s:%s", spec.Kind, units.BytesSize(float64(spec.Size)))
	}
	return fmt.Sprintf("%s:%s", spec.Kind, strings.Join(spec.Paths, ","))
}

// Open builds the device tree. Files are created when a size is given.
func (spec Spec) Open() (Device, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if spec.Kind == KindRAM {
		return NewRAM(spec.Size), nil
	}
	memberSize := spec.Size
	if spec.Kind == KindStripe && spec.Size > 0 {
		memberSize = (spec.Size + int64(len(spec.Paths)) - 1) / int64(len(spec.Paths))
	}
	members := make([]Device, 0, len(spec.Paths))
	for _, path := range spec.Paths {
		extent, err := OpenExtent(path, 0, memberSize, memberSize > 0)
		if err != nil {
			closeAll(members)
			return nil, err
		}
		members = append(members, extent)
	}
	switch spec.Kind {
	case KindMirror:
		return NewMirrorSet(members...)
	case KindStripe:
		return NewStripeSet(spec.StripeSize, members...)
	}
	return members[0], nil
}
