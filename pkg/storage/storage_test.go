// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	checkV1 "gopkg.in/check.v1"
)

func Test(t *testing.T) { checkV1.TestingT(t) }

type StorageSuite struct {
	dir string
}

var _ = checkV1.Suite(&StorageSuite{})

func (s *StorageSuite) SetUpTest(c *checkV1.C) {
	s.dir = c.MkDir()
}

func pattern(length int, seed byte) []byte {
	data := make([]byte, length)
	for i := range data {
		data[i] = seed + byte(i%251)
	}
	return data
}

func roundTrip(c *checkV1.C, device Device, offset int64, length int) {
	data := pattern(length, byte(offset))
	n, err := device.WriteAt(data, offset)
	c.Assert(err, checkV1.IsNil)
	c.Assert(n, checkV1.Equals, length)
	read := make([]byte, length)
	n, err = device.ReadAt(read, offset)
	c.Assert(err, checkV1.IsNil)
	c.Assert(n, checkV1.Equals, length)
	c.Assert(bytes.Equal(read, data), checkV1.Equals, true)
}

func (s *StorageSuite) TestRAM(c *checkV1.C) {
	ram := NewRAM(4096)
	roundTrip(c, ram, 100, 1000)
	_, err := ram.WriteAt(make([]byte, 10), 4090)
	c.Assert(errors.Is(err, ErrOutOfRange), checkV1.Equals, true)
	c.Assert(ram.Discard(100, 10), checkV1.IsNil)
	read := make([]byte, 10)
	_, err = ram.ReadAt(read, 100)
	c.Assert(err, checkV1.IsNil)
	c.Assert(read, checkV1.DeepEquals, make([]byte, 10))
	c.Assert(ram.Close(), checkV1.IsNil)
	_, err = ram.ReadAt(read, 0)
	c.Assert(err, checkV1.Equals, ErrClosed)
}

func (s *StorageSuite) TestExtentCreatesAndReopens(c *checkV1.C) {
	path := filepath.Join(s.dir, "disk.img")
	extent, err := OpenExtent(path, 0, 1<<20, true)
	c.Assert(err, checkV1.IsNil)
	c.Assert(extent.Size(), checkV1.Equals, int64(1<<20))
	roundTrip(c, extent, 512, 4096)
	c.Assert(extent.Flush(0, 0), checkV1.IsNil)
	c.Assert(extent.Close(), checkV1.IsNil)

	extent, err = OpenExtent(path, 0, 0, false)
	c.Assert(err, checkV1.IsNil)
	defer extent.Close()
	c.Assert(extent.Size(), checkV1.Equals, int64(1<<20))
	read := make([]byte, 4096)
	var offset int64 = 512
	_, err = extent.ReadAt(read, offset)
	c.Assert(err, checkV1.IsNil)
	c.Assert(bytes.Equal(read, pattern(4096, byte(offset))), checkV1.Equals, true)
}

func (s *StorageSuite) TestExtentRegion(c *checkV1.C) {
	path := filepath.Join(s.dir, "region.img")
	c.Assert(os.WriteFile(path, make([]byte, 8192), 0o644), checkV1.IsNil)
	extent, err := OpenExtent(path, 4096, 2048, false)
	c.Assert(err, checkV1.IsNil)
	defer extent.Close()
	_, err = extent.WriteAt([]byte{0xaa}, 0)
	c.Assert(err, checkV1.IsNil)
	raw, err := os.ReadFile(path)
	c.Assert(err, checkV1.IsNil)
	c.Assert(raw[4096], checkV1.Equals, byte(0xaa))
	_, err = OpenExtent(path, 8000, 1000, false)
	c.Assert(err, checkV1.NotNil)
}

func (s *StorageSuite) TestExtentMapping(c *checkV1.C) {
	extent, err := OpenExtent(filepath.Join(s.dir, "mmap.img"), 0, 3*4096, true)
	c.Assert(err, checkV1.IsNil)
	defer extent.Close()
	mapping, err := extent.Map(4097, 100)
	c.Assert(err, checkV1.IsNil)
	c.Assert(len(mapping.Data), checkV1.Equals, 100)
	copy(mapping.Data, pattern(100, 7))
	c.Assert(mapping.Sync(), checkV1.IsNil)
	c.Assert(extent.Unmap(mapping), checkV1.IsNil)
	read := make([]byte, 100)
	_, err = extent.ReadAt(read, 4097)
	c.Assert(err, checkV1.IsNil)
	c.Assert(bytes.Equal(read, pattern(100, 7)), checkV1.Equals, true)
}

func (s *StorageSuite) TestStripeSet(c *checkV1.C) {
	members := []Device{NewRAM(4096), NewRAM(4096), NewRAM(5000)}
	set, err := NewStripeSet(1024, members...)
	c.Assert(err, checkV1.IsNil)
	c.Assert(set.Size(), checkV1.Equals, int64(3*4096))
	var offset int64 = 1000
	roundTrip(c, set, offset, 5000)
	// Second stripe lives at the start of the second member.
	probe := make([]byte, 1)
	_, err = members[1].ReadAt(probe, 0)
	c.Assert(err, checkV1.IsNil)
	c.Assert(probe[0], checkV1.Equals, pattern(5000, byte(offset))[24])
	c.Assert(set.Discard(0, 3*4096), checkV1.IsNil)
	_, err = set.ReadAt(probe, 2000)
	c.Assert(err, checkV1.IsNil)
	c.Assert(probe[0], checkV1.Equals, byte(0))
}

type failingDevice struct {
	*RAM
}

func (device failingDevice) ReadAt([]byte, int64) (int, error) {
	return 0, errors.New("broken")
}

func (s *StorageSuite) TestMirrorSet(c *checkV1.C) {
	first := failingDevice{NewRAM(2048)}
	second := NewRAM(2048)
	set, err := NewMirrorSet(first, second)
	c.Assert(err, checkV1.IsNil)
	roundTrip(c, set, 10, 100)
	copyOnFirst := make([]byte, 100)
	_, err = first.RAM.ReadAt(copyOnFirst, 10)
	c.Assert(err, checkV1.IsNil)
	c.Assert(bytes.Equal(copyOnFirst, pattern(100, 10)), checkV1.Equals, true)
}

func (s *StorageSuite) TestParseSpec(c *checkV1.C) {
	spec, err := ParseSpec("ram:64MiB")
	c.Assert(err, checkV1.IsNil)
	c.Assert(spec.Kind, checkV1.Equals, KindRAM)
	c.Assert(spec.Size, checkV1.Equals, int64(64<<20))

	spec, err = ParseSpec("mirror:/a.img,/b.img:1GiB")
	c.Assert(err, checkV1.IsNil)
	c.Assert(spec.Paths, checkV1.DeepEquals, []string{"/a.img", "/b.img"})
	c.Assert(spec.Size, checkV1.Equals, int64(1<<30))

	spec, err = ParseSpec("file:/srv/disk.img")
	c.Assert(err, checkV1.IsNil)
	c.Assert(spec.Size, checkV1.Equals, int64(0))

	for _, bad := range []string{"ram", "ram:lots", "tape:/dev/st0", "file:/a,/b", "stripe:/a"} {
		_, err = ParseSpec(bad)
		c.Assert(err, checkV1.NotNil, checkV1.Commentf("spec %q", bad))
	}
}

func (s *StorageSuite) TestSpecOpenStripe(c *checkV1.C) {
	a := filepath.Join(s.dir, "a.img")
	b := filepath.Join(s.dir, "b.img")
	spec, err := ParseSpec("stripe:" + a + "," + b + ":256KiB")
	c.Assert(err, checkV1.IsNil)
	device, err := spec.Open()
	c.Assert(err, checkV1.IsNil)
	defer device.Close()
	c.Assert(device.Size(), checkV1.Equals, int64(256<<10))
	roundTrip(c, device, 60000, 10000)
}
