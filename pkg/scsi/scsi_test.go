// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	checkV1 "gopkg.in/check.v1"

	"iscsitarget/pkg/storage"
)

func Test(t *testing.T) { checkV1.TestingT(t) }

type ScsiSuite struct {
	dir    string
	target *SCSITarget
}

var _ = checkV1.Suite(&ScsiSuite{})

const testTargetName = "iqn.2018-01.com.example:disk"

func (s *ScsiSuite) SetUpTest(c *checkV1.C) {
	s.dir = c.MkDir()
	s.target = NewSCSITarget(testTargetName)
}

func (s *ScsiSuite) TearDownTest(c *checkV1.C) {
	_, err := s.target.Clear()
	c.Assert(err, checkV1.IsNil)
}

func (s *ScsiSuite) attach(c *checkV1.C, text string) *LogicalUnit {
	spec, err := storage.ParseSpec(text)
	c.Assert(err, checkV1.IsNil)
	store, err := OpenBackingStore(spec)
	c.Assert(err, checkV1.IsNil)
	logicalUnit, err := s.target.AddLogicalUnit(store, 512)
	c.Assert(err, checkV1.IsNil)
	return logicalUnit
}

type bufferTransfer struct {
	data []byte
	err  error
}

func (transfer *bufferTransfer) ReceiveWriteData() ([]byte, error) {
	return transfer.data, transfer.err
}

func (s *ScsiSuite) execute(c *checkV1.C, lun uint64, data []byte, cdb ...byte) (*Command, error) {
	command := &Command{
		CDB:            cdb,
		LUN:            lun,
		ExpectedLength: uint32(len(data)),
		Transfer:       &bufferTransfer{data: data},
	}
	_, err := s.target.Execute(command)
	return command, err
}

func (s *ScsiSuite) run(c *checkV1.C, lun uint64, data []byte, cdb ...byte) *Command {
	command, err := s.execute(c, lun, data, cdb...)
	c.Assert(err, checkV1.IsNil)
	return command
}

func pattern(length int, seed byte) []byte {
	data := make([]byte, length)
	for i := range data {
		data[i] = seed + byte(i%253)
	}
	return data
}

func senseKey(command *Command) (byte, AdditionalSenseCode) {
	return command.Sense[2], AdditionalSenseCode(command.Sense[12])<<8 | AdditionalSenseCode(command.Sense[13])
}

func read10(lba uint32, blocks uint16) []byte {
	cdb := []byte{byte(Read10), 0, 0, 0, 0, 0, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(cdb[2:], lba)
	binary.BigEndian.PutUint16(cdb[7:], blocks)
	return cdb
}

func write10(lba uint32, blocks uint16) []byte {
	cdb := read10(lba, blocks)
	cdb[0] = byte(Write10)
	return cdb
}

func (s *ScsiSuite) TestReportLuns(c *checkV1.C) {
	for i := 0; i < 3; i++ {
		s.attach(c, "ram:1MiB")
	}
	command := s.run(c, 0, nil, byte(ReportLuns), 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0)
	c.Assert(command.Status, checkV1.Equals, SamStatGood)
	c.Assert(command.Data, checkV1.HasLen, 8+3*8)
	c.Assert(binary.BigEndian.Uint32(command.Data), checkV1.Equals, uint32(24))
	for i := 0; i < 3; i++ {
		c.Assert(binary.BigEndian.Uint64(command.Data[8+8*i:]), checkV1.Equals, uint64(i))
	}
}

func (s *ScsiSuite) TestReportLunsShortAllocation(c *checkV1.C) {
	s.attach(c, "ram:1MiB")
	command := s.run(c, 0, nil, byte(ReportLuns), 0, 0, 0, 0, 0, 0, 0, 0, 8, 0, 0)
	c.Assert(command.Status, checkV1.Equals, SamStatCheckCondition)
}

func (s *ScsiSuite) TestUnmappedLun(c *checkV1.C) {
	s.attach(c, "ram:1MiB")
	for _, cdb := range [][]byte{read10(0, 1), {byte(TestUnitReady)}, {0xff}} {
		command := s.run(c, 7, nil, cdb...)
		c.Assert(command.Status, checkV1.Equals, SamStatGood)
		c.Assert(command.Data, checkV1.HasLen, 36)
		c.Assert(command.Data[0], checkV1.Equals, byte(0x7f))
		c.Assert(command.Sense, checkV1.IsNil)
	}
}

func (s *ScsiSuite) TestUnknownOpcode(c *checkV1.C) {
	s.attach(c, "ram:1MiB")
	command := s.run(c, 0, nil, 0xc5)
	c.Assert(command.Status, checkV1.Equals, SamStatCheckCondition)
	key, asc := senseKey(command)
	c.Assert(key, checkV1.Equals, IllegalRequest)
	c.Assert(asc, checkV1.Equals, AscInvalidOpCode)
}

func (s *ScsiSuite) TestStubs(c *checkV1.C) {
	s.attach(c, "ram:1MiB")
	for _, opcode := range []CommandType{TestUnitReady, StartStop, Verify10, Verify16, LogSense, PersistentReserveIn} {
		command := s.run(c, 0, nil, byte(opcode))
		c.Assert(command.Status, checkV1.Equals, SamStatGood, checkV1.Commentf("%s", opcode))
		c.Assert(command.Data, checkV1.HasLen, 0)
	}
}

func (s *ScsiSuite) TestModeSense6(c *checkV1.C) {
	s.attach(c, "ram:1MiB")
	command := s.run(c, 0, nil, byte(ModeSense6), 0, 0x3f, 0, 0xff, 0)
	c.Assert(command.Status, checkV1.Equals, SamStatGood)
	c.Assert(command.Data, checkV1.DeepEquals, []byte{11, 0, 0, 8, 0, 0, 0, 0, 0, 0, 2, 0})
	command = s.run(c, 0, nil, byte(ModeSense6), 0, 0x3f, 0, 4, 0)
	c.Assert(command.Data, checkV1.HasLen, 4)
}

func (s *ScsiSuite) TestModeSense10(c *checkV1.C) {
	s.attach(c, "ram:1MiB")
	command := s.run(c, 0, nil, byte(ModeSense10), 0, 0x08, 0, 0, 0, 0, 0x01, 0, 0)
	c.Assert(command.Status, checkV1.Equals, SamStatGood)
	c.Assert(int(binary.BigEndian.Uint16(command.Data))+2, checkV1.Equals, len(command.Data))
	c.Assert(command.Data[7], checkV1.Equals, byte(8))
	// caching page follows the header and the block descriptor
	c.Assert(command.Data[16], checkV1.Equals, byte(0x08))
	c.Assert(command.Data[18]&0x04, checkV1.Equals, byte(0x04))

	command = s.run(c, 0, nil, byte(ModeSense10), 0, 0x15, 0, 0, 0, 0, 0x01, 0, 0)
	c.Assert(command.Status, checkV1.Equals, SamStatCheckCondition)
}

func (s *ScsiSuite) TestStandardInquiry(c *checkV1.C) {
	s.attach(c, "ram:1MiB")
	command := s.run(c, 0, nil, byte(Inquiry), 0, 0, 0, 0xff, 0)
	c.Assert(command.Status, checkV1.Equals, SamStatGood)
	c.Assert(int(command.Data[4])+5, checkV1.Equals, len(command.Data))
	c.Assert(command.Data[0], checkV1.Equals, byte(TypeDisk))
	c.Assert(string(command.Data[8:16]), checkV1.Equals, "NX      ")
	c.Assert(string(command.Data[16:32]), checkV1.Equals, "ISCSI-DISK      ")

	command = s.run(c, 0, nil, byte(Inquiry), 0, 0x83, 0, 0xff, 0)
	c.Assert(command.Status, checkV1.Equals, SamStatCheckCondition)
}

func (s *ScsiSuite) TestInquiryVpd(c *checkV1.C) {
	logicalUnit := s.attach(c, "ram:1MiB")
	command := s.run(c, 0, nil, byte(Inquiry), 1, 0x00, 0, 0xff, 0)
	c.Assert(command.Status, checkV1.Equals, SamStatGood)
	c.Assert(command.Data, checkV1.DeepEquals, []byte{0, 0, 0, 2, 0x00, 0x83})

	command = s.run(c, 0, nil, byte(Inquiry), 1, 0x83, 0, 0xff, 0)
	c.Assert(command.Status, checkV1.Equals, SamStatGood)
	page := command.Data
	c.Assert(int(binary.BigEndian.Uint16(page[2:]))+4, checkV1.Equals, len(page))
	c.Assert(bytes.Contains(page, []byte(testTargetName+"\x00")), checkV1.Equals, true)
	c.Assert(bytes.Contains(page, []byte(testTargetName+",t,0x0000,L,0x0000000000000000")), checkV1.Equals, true)
	c.Assert(bytes.Contains(page, []byte(logicalUnit.UUID().String())), checkV1.Equals, true)

	// the identifier is stable across requests
	again := s.run(c, 0, nil, byte(Inquiry), 1, 0x83, 0, 0xff, 0)
	c.Assert(again.Data, checkV1.DeepEquals, page)

	command = s.run(c, 0, nil, byte(Inquiry), 1, 0x80, 0, 0xff, 0)
	c.Assert(command.Status, checkV1.Equals, SamStatCheckCondition)
}

func (s *ScsiSuite) TestReadCapacity(c *checkV1.C) {
	s.attach(c, "ram:1MiB")
	command := s.run(c, 0, nil, byte(ReadCapacity10), 0, 0, 0, 0, 0, 0, 0, 0, 0)
	c.Assert(command.Status, checkV1.Equals, SamStatGood)
	c.Assert(command.Data, checkV1.DeepEquals, []byte{0, 0, 0x07, 0xff, 0, 0, 0x02, 0})

	command = s.run(c, 0, nil, byte(ServiceActionIn), ServiceActionReadCapacity16, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 32, 0, 0)
	c.Assert(command.Status, checkV1.Equals, SamStatGood)
	c.Assert(command.Data, checkV1.HasLen, 32)
	c.Assert(binary.BigEndian.Uint64(command.Data), checkV1.Equals, uint64(2047))
	c.Assert(binary.BigEndian.Uint32(command.Data[8:]), checkV1.Equals, uint32(512))
}

func (s *ScsiSuite) TestWrite6ZeroMeans256Blocks(c *checkV1.C) {
	s.attach(c, "ram:1MiB")
	data := pattern(256*512, 3)
	command := s.run(c, 0, data, byte(Write6), 0, 0, 4, 0, 0)
	c.Assert(command.Status, checkV1.Equals, SamStatGood)
	c.Assert(command.TransferLength, checkV1.Equals, uint32(len(data)))

	command = s.run(c, 0, nil, byte(Read6), 0, 0, 4, 0, 0)
	c.Assert(command.Status, checkV1.Equals, SamStatGood)
	c.Assert(bytes.Equal(command.Data, data), checkV1.Equals, true)
}

func (s *ScsiSuite) TestReadWriteStores(c *checkV1.C) {
	specs := []string{
		"ram:1MiB",
		"file:" + filepath.Join(s.dir, "file.img") + ":1MiB",
		"mmap:" + filepath.Join(s.dir, "mmap.img") + ":1MiB",
		"mirror:" + filepath.Join(s.dir, "m0.img") + "," + filepath.Join(s.dir, "m1.img") + ":1MiB",
		"stripe:" + filepath.Join(s.dir, "s0.img") + "," + filepath.Join(s.dir, "s1.img") + ":1MiB",
	}
	for index, spec := range specs {
		s.attach(c, spec)
		lun := uint64(index)
		data := pattern(10*512, byte(index))
		command := s.run(c, lun, data, write10(100, 10)...)
		c.Assert(command.Status, checkV1.Equals, SamStatGood, checkV1.Commentf(spec))
		command = s.run(c, lun, nil, byte(SynchronizeCache10), 0, 0, 0, 0, 100, 0, 0, 10, 0)
		c.Assert(command.Status, checkV1.Equals, SamStatGood, checkV1.Commentf(spec))
		command = s.run(c, lun, nil, read10(100, 10)...)
		c.Assert(command.Status, checkV1.Equals, SamStatGood, checkV1.Commentf(spec))
		c.Assert(bytes.Equal(command.Data, data), checkV1.Equals, true, checkV1.Commentf(spec))
	}
}

func (s *ScsiSuite) TestReadOutOfRange(c *checkV1.C) {
	s.attach(c, "ram:1MiB")
	command := s.run(c, 0, nil, read10(2040, 10)...)
	c.Assert(command.Status, checkV1.Equals, SamStatCheckCondition)
	key, asc := senseKey(command)
	c.Assert(key, checkV1.Equals, IllegalRequest)
	c.Assert(asc, checkV1.Equals, AscLbaOutOfRange)
}

func (s *ScsiSuite) TestFileStoreRejectsLargeTransfer(c *checkV1.C) {
	s.attach(c, "file:"+filepath.Join(s.dir, "big.img")+":4MiB")
	data := make([]byte, MaxStagedTransfer+512)
	_, err := s.execute(c, 0, data, write10(0, uint16(len(data)/512))...)
	c.Assert(errors.Is(err, ErrTransferTooLarge), checkV1.Equals, true)

	_, err = s.execute(c, 0, nil, read10(0, uint16(len(data)/512))...)
	c.Assert(errors.Is(err, ErrTransferTooLarge), checkV1.Equals, true)
}

func (s *ScsiSuite) TestWriteTransportError(c *checkV1.C) {
	s.attach(c, "ram:1MiB")
	broken := errors.New("connection reset")
	command := &Command{CDB: write10(0, 1), Transfer: &bufferTransfer{err: broken}}
	_, err := s.target.Execute(command)
	c.Assert(err, checkV1.Equals, broken)
}

func (s *ScsiSuite) TestUnmap(c *checkV1.C) {
	s.attach(c, "file:"+filepath.Join(s.dir, "thin.img")+":1MiB")
	data := pattern(8*512, 9)
	s.run(c, 0, data, write10(16, 8)...)

	parameters := make([]byte, 8+16)
	binary.BigEndian.PutUint16(parameters, 22)
	binary.BigEndian.PutUint16(parameters[2:], 16)
	binary.BigEndian.PutUint64(parameters[8:], 16)
	binary.BigEndian.PutUint32(parameters[16:], 8)
	command := s.run(c, 0, parameters, byte(Unmap), 0, 0, 0, 0, 0, 0, 0, byte(len(parameters)), 0)
	c.Assert(command.Status, checkV1.Equals, SamStatGood)

	command = s.run(c, 0, nil, read10(16, 8)...)
	c.Assert(command.Data, checkV1.DeepEquals, make([]byte, 8*512))
}

func (s *ScsiSuite) TestWriteSame(c *checkV1.C) {
	s.attach(c, "ram:1MiB")
	block := pattern(512, 1)
	cdb := make([]byte, 16)
	cdb[0] = byte(WriteSame16)
	binary.BigEndian.PutUint64(cdb[2:], 10)
	binary.BigEndian.PutUint32(cdb[10:], 4)
	command := s.run(c, 0, block, cdb...)
	c.Assert(command.Status, checkV1.Equals, SamStatGood)
	command = s.run(c, 0, nil, read10(10, 4)...)
	c.Assert(bytes.Equal(command.Data, bytes.Repeat(block, 4)), checkV1.Equals, true)

	cdb[1] = 0x08
	command = s.run(c, 0, block, cdb...)
	c.Assert(command.Status, checkV1.Equals, SamStatGood)
	command = s.run(c, 0, nil, read10(10, 4)...)
	c.Assert(command.Data, checkV1.DeepEquals, make([]byte, 4*512))
}

func (s *ScsiSuite) TestRequestSense(c *checkV1.C) {
	s.attach(c, "ram:1MiB")
	command := s.run(c, 0, nil, byte(RequestSense), 0, 0, 0, 252, 0)
	c.Assert(command.Status, checkV1.Equals, SamStatGood)
	c.Assert(command.Data, checkV1.HasLen, 18)
	c.Assert(command.Data[0], checkV1.Equals, byte(0x70))
	c.Assert(command.Sense, checkV1.IsNil)
}

func (s *ScsiSuite) TestLunAllocation(c *checkV1.C) {
	s.attach(c, "ram:1MiB")
	s.attach(c, "ram:1MiB")
	path, err := s.target.DetachLogicalUnit(0)
	c.Assert(err, checkV1.IsNil)
	c.Assert(strings.HasPrefix(path, "ram:"), checkV1.Equals, true)
	logicalUnit := s.attach(c, "ram:2MiB")
	c.Assert(logicalUnit.Index, checkV1.Equals, uint64(0))
	c.Assert(logicalUnit.BlockCount, checkV1.Equals, uint64(4096))
	_, err = s.target.DetachLogicalUnit(9)
	c.Assert(err, checkV1.NotNil)
}

func (s *ScsiSuite) TestTargetService(c *checkV1.C) {
	service := NewSCSITargetService()
	target, err := service.NewSCSITarget("iqn.a")
	c.Assert(err, checkV1.IsNil)
	_, err = service.NewSCSITarget("iqn.a")
	c.Assert(err, checkV1.NotNil)
	_, err = service.NewSCSITarget("iqn.b")
	c.Assert(err, checkV1.IsNil)
	c.Assert(service.Targets(), checkV1.HasLen, 2)

	store, err := OpenBackingStore(storage.Spec{Kind: storage.KindRAM, Size: 1 << 20})
	c.Assert(err, checkV1.IsNil)
	_, err = target.AddLogicalUnit(store, 4096)
	c.Assert(err, checkV1.IsNil)
	c.Assert(service.DeleteSCSITarget("iqn.a"), checkV1.NotNil)

	nexus := NewITNexus("iqn.initiator,0x1")
	c.Assert(target.AddITNexus(nexus), checkV1.Equals, true)
	c.Assert(target.AddITNexus(nexus), checkV1.Equals, false)
	_, err = target.Clear()
	c.Assert(err, checkV1.NotNil)
	target.RemoveITNexus(nexus)

	c.Assert(service.Close(), checkV1.IsNil)
	c.Assert(service.DeleteSCSITarget("iqn.a"), checkV1.IsNil)
	_, ok := service.Target("iqn.a")
	c.Assert(ok, checkV1.Equals, false)
}
