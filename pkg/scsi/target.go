// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"fmt"
	"sort"
	"sync"

	uuid "github.com/satori/go.uuid"

	"iscsitarget/pkg/logger"
)

const MaxLogicalUnits = 256

type availableLunNumbers [MaxLogicalUnits]bool

func (available *availableLunNumbers) nextLun() (uint64, error) {
	for index, logicalUnitAvailable := range available {
		if !logicalUnitAvailable {
			continue
		}
		available[index] = false
		return uint64(index), nil
	}
	return 0, fmt.Errorf(
		"can't have more than %d logical units allocated to a single target", MaxLogicalUnits)
}

func (available *availableLunNumbers) deleteLun(lunNumber uint64) {
	available[lunNumber] = true
}

func (available *availableLunNumbers) clear() {
	for i := range available {
		available[i] = true
	}
}

// ITNexus is one initiator session attached to a target.
type ITNexus struct {
	ID  uuid.UUID
	Tag string
}

func NewITNexus(tag string) *ITNexus {
	return &ITNexus{ID: uuid.NewV4(), Tag: tag}
}

type SCSITarget struct {
	Name          string
	devicesLock   sync.RWMutex
	devices       map[uint64]*LogicalUnit
	availableLuns availableLunNumbers
	itNexusMutex  sync.Mutex
	itNexus       map[uuid.UUID]*ITNexus
}

type TargetRepresentation struct {
	Name           string
	LogicalUnits   []LunRepresentation
	HasConnections bool
	ITNexus        []string
}

func NewSCSITarget(name string) *SCSITarget {
	target := &SCSITarget{
		Name:    name,
		devices: make(map[uint64]*LogicalUnit),
		itNexus: make(map[uuid.UUID]*ITNexus),
	}
	target.availableLuns.clear()
	return target
}

// AddLogicalUnit exports store under the lowest free LUN.
func (target *SCSITarget) AddLogicalUnit(store BackingStore, blockLength uint32) (*LogicalUnit, error) {
	target.devicesLock.Lock()
	defer target.devicesLock.Unlock()
	lunId, err := target.availableLuns.nextLun()
	if err != nil {
		return nil, err
	}
	logicalUnit, err := NewLogicalUnit(lunId, blockLength, store)
	if err != nil {
		target.availableLuns.deleteLun(lunId)
		return nil, err
	}
	target.devices[lunId] = logicalUnit
	logger.GetLogger().Infof(
		"target %s: LUN %d is %s, %d blocks of %d bytes",
		target.Name, lunId, store.Path(), logicalUnit.BlockCount, blockLength)
	return logicalUnit, nil
}

func (target *SCSITarget) DetachLogicalUnit(lunId uint64) (string, error) {
	target.devicesLock.Lock()
	defer target.devicesLock.Unlock()
	logicalUnit, ok := target.devices[lunId]
	if !ok {
		return "", fmt.Errorf("logical unit %d not found", lunId)
	}
	path := logicalUnit.Store.Path()
	if err := logicalUnit.Store.Close(); err != nil {
		return "", err
	}
	delete(target.devices, lunId)
	target.availableLuns.deleteLun(lunId)
	return path, nil
}

func (target *SCSITarget) LogicalUnit(lunId uint64) *LogicalUnit {
	target.devicesLock.RLock()
	defer target.devicesLock.RUnlock()
	return target.devices[lunId]
}

// LogicalUnits returns the mapped units ordered by LUN.
func (target *SCSITarget) LogicalUnits() []*LogicalUnit {
	target.devicesLock.RLock()
	result := make([]*LogicalUnit, 0, len(target.devices))
	for _, logicalUnit := range target.devices {
		result = append(result, logicalUnit)
	}
	target.devicesLock.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].Index < result[j].Index })
	return result
}

func (target *SCSITarget) hasLogicalUnits() bool {
	target.devicesLock.RLock()
	defer target.devicesLock.RUnlock()
	return len(target.devices) > 0
}

// Clear detaches every unit and returns their paths.
func (target *SCSITarget) Clear() ([]string, error) {
	if target.HasConnections() {
		return nil, fmt.Errorf("target %s has active iscsi connections", target.Name)
	}
	result := make([]string, 0, MaxLogicalUnits)
	for _, logicalUnit := range target.LogicalUnits() {
		path, err := target.DetachLogicalUnit(logicalUnit.Index)
		if err != nil {
			return nil, err
		}
		result = append(result, path)
	}
	return result, nil
}

func (target *SCSITarget) AddITNexus(itNexus *ITNexus) bool {
	target.itNexusMutex.Lock()
	defer target.itNexusMutex.Unlock()
	if _, ok := target.itNexus[itNexus.ID]; ok {
		return false
	}
	target.itNexus[itNexus.ID] = itNexus
	return true
}

func (target *SCSITarget) RemoveITNexus(itNexus *ITNexus) {
	target.itNexusMutex.Lock()
	defer target.itNexusMutex.Unlock()
	delete(target.itNexus, itNexus.ID)
}

func (target *SCSITarget) HasConnections() bool {
	target.itNexusMutex.Lock()
	defer target.itNexusMutex.Unlock()
	return len(target.itNexus) > 0
}

func (target *SCSITarget) itNexusesRepresentation() []string {
	target.itNexusMutex.Lock()
	defer target.itNexusMutex.Unlock()
	result := make([]string, 0, len(target.itNexus))
	for _, value := range target.itNexus {
		result = append(result, value.Tag)
	}
	sort.Strings(result)
	return result
}

func (target *SCSITarget) Representation() TargetRepresentation {
	representation := TargetRepresentation{
		Name:           target.Name,
		LogicalUnits:   []LunRepresentation{},
		HasConnections: target.HasConnections(),
		ITNexus:        target.itNexusesRepresentation(),
	}
	for _, logicalUnit := range target.LogicalUnits() {
		representation.LogicalUnits = append(representation.LogicalUnits, logicalUnit.Representation())
	}
	return representation
}

// noDeviceData is the INQUIRY shaped answer to any command addressed
// to an unmapped LUN: qualifier 011b, device type 1Fh.
func noDeviceData() []byte {
	data := make([]byte, 36)
	data[0] = 0x7f
	data[3] = 0x02
	data[4] = byte(len(data) - 5)
	return data
}

// Execute runs command against the addressed unit. The returned error
// is a transport failure; SCSI level failures are reported through the
// status and sense data.
func (target *SCSITarget) Execute(command *Command) (byte, error) {
	log := logger.GetLogger()
	if len(command.CDB) < 16 {
		cdb := make([]byte, 16)
		copy(cdb, command.CDB)
		command.CDB = cdb
	}
	command.Target = target
	logicalUnit := target.LogicalUnit(command.LUN)
	log.Debugf("scsi opcode: %s, LUN: %d", command.OperationCode(), command.LUN)
	if logicalUnit == nil {
		log.Debugf("LUN %d of %s is not mapped", command.LUN, target.Name)
		command.Data = noDeviceData()
		command.TransferLength = uint32(len(command.Data))
		command.Status = SamStatGood
		return command.Status, nil
	}
	result, err := logicalUnit.PerformCommand(command)
	command.Status = result.Stat
	if result != SAMStatGood {
		log.Warnf("opcode: %s err: %v", command.OperationCode(), result.Err)
	}
	return command.Status, err
}

// TargetService is the registry of exported targets.
type TargetService struct {
	mutex        sync.RWMutex
	targets      []*SCSITarget
	targetByName map[string]*SCSITarget
}

func NewSCSITargetService() *TargetService {
	return &TargetService{
		targets:      []*SCSITarget{},
		targetByName: make(map[string]*SCSITarget),
	}
}

func (targetService *TargetService) NewSCSITarget(name string) (*SCSITarget, error) {
	targetService.mutex.Lock()
	defer targetService.mutex.Unlock()
	if _, ok := targetService.targetByName[name]; ok {
		return nil, fmt.Errorf("target %s already exists", name)
	}
	target := NewSCSITarget(name)
	targetService.targetByName[name] = target
	targetService.targets = append(targetService.targets, target)
	return target, nil
}

func (targetService *TargetService) Target(name string) (*SCSITarget, bool) {
	targetService.mutex.RLock()
	defer targetService.mutex.RUnlock()
	target, ok := targetService.targetByName[name]
	return target, ok
}

func (targetService *TargetService) Targets() []*SCSITarget {
	targetService.mutex.RLock()
	defer targetService.mutex.RUnlock()
	return append([]*SCSITarget(nil), targetService.targets...)
}

func (targetService *TargetService) DeleteSCSITarget(name string) error {
	targetService.mutex.Lock()
	defer targetService.mutex.Unlock()
	target, ok := targetService.targetByName[name]
	if !ok {
		return fmt.Errorf("target %s not present", name)
	}
	if target.hasLogicalUnits() {
		return fmt.Errorf("can't remove target which has logical units attached")
	}
	if target.HasConnections() {
		return fmt.Errorf("can't remove target which has active connections")
	}
	delete(targetService.targetByName, name)
	for index, candidate := range targetService.targets {
		if candidate == target {
			targetService.targets = append(targetService.targets[:index], targetService.targets[index+1:]...)
			break
		}
	}
	return nil
}

// Close releases every backing store of every target.
func (targetService *TargetService) Close() error {
	var first error
	for _, target := range targetService.Targets() {
		for _, logicalUnit := range target.LogicalUnits() {
			if _, err := target.DetachLogicalUnit(logicalUnit.Index); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
