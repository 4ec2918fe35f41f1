// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"

	"iscsitarget/pkg/iscsi_target"
	"iscsitarget/pkg/logger"
	"iscsitarget/pkg/scsi"
	"iscsitarget/pkg/storage"
)

type DemonApiHandler struct {
	iscsiTargetDriver  *iscsi_target.ISCSITargetDriver
	defaultBlockLength uint32
	apiLock            sync.Mutex
}

func (handler *DemonApiHandler) Attach(targetName string, request AttachRequest) (*AttachResponse, error) {
	handler.apiLock.Lock()
	defer handler.apiLock.Unlock()
	spec, err := storage.ParseSpec(request.Device)
	if err != nil {
		return nil, &ErrBadRequest{err: err}
	}
	blockLength := request.BlockLength
	if blockLength == 0 {
		blockLength = handler.defaultBlockLength
	}
	logicalUnitId, err := handler.iscsiTargetDriver.AddLun(targetName, spec, blockLength)
	if err != nil {
		return nil, err
	}
	return &AttachResponse{
		LogicalUnitId: logicalUnitId,
	}, nil
}

func (handler *DemonApiHandler) DetachLun(targetName string, logicalUnitId uint64) (*DetachLunResponse, error) {
	handler.apiLock.Lock()
	defer handler.apiLock.Unlock()
	device, err := handler.iscsiTargetDriver.RemoveLun(targetName, logicalUnitId)
	if err != nil {
		return nil, err
	}
	return &DetachLunResponse{
		Device: device,
	}, nil
}

func (handler *DemonApiHandler) AddTarget(request AddTargetRequest) error {
	if request.TargetName == "" {
		return &ErrBadRequest{err: fmt.Errorf("empty target name")}
	}
	handler.apiLock.Lock()
	defer handler.apiLock.Unlock()
	return handler.iscsiTargetDriver.NewTarget(request.TargetName)
}

func (handler *DemonApiHandler) DeleteTarget(targetName string) error {
	handler.apiLock.Lock()
	defer handler.apiLock.Unlock()
	return handler.iscsiTargetDriver.DeleteTarget(targetName)
}

func (handler *DemonApiHandler) ClearTarget(targetName string) (*ClearTargetResponse, error) {
	handler.apiLock.Lock()
	defer handler.apiLock.Unlock()
	devices, err := handler.iscsiTargetDriver.Clear(targetName)
	if err != nil {
		return nil, err
	}
	return &ClearTargetResponse{
		FreedDevices: devices,
	}, nil
}

func (handler *DemonApiHandler) SetAllowedInitiators(targetName string, request AllowedInitiatorsRequest) error {
	networks := make([]*net.IPNet, 0, len(request.Initiators))
	for _, value := range request.Initiators {
		network, err := iscsi_target.ParseInitiatorAddress(value)
		if err != nil {
			return &ErrBadRequest{err: err}
		}
		networks = append(networks, network)
	}
	handler.apiLock.Lock()
	defer handler.apiLock.Unlock()
	return handler.iscsiTargetDriver.SetAllowedInitiators(targetName, networks)
}

func lunRepresentation(value scsi.LunRepresentation) LunRepresentation {
	return LunRepresentation{
		LogicalUnitId:  value.Index,
		Backend:        string(value.Backend),
		Device:         value.Path,
		BlockLength:    value.BlockLength,
		Size:           value.BlockCount * uint64(value.BlockLength),
		AllocatedBytes: value.AllocatedBytes,
	}
}

func (handler *DemonApiHandler) ListTargets() ListResponse {
	handler.apiLock.Lock()
	defer handler.apiLock.Unlock()
	response := make(ListResponse)
	for key, value := range handler.iscsiTargetDriver.List() {
		targetRepresentation := TargetRepresentation{
			LogicalUnits:   make([]LunRepresentation, len(value.LogicalUnits)),
			HasConnections: value.HasConnections,
			ITNexus:        value.ITNexus,
		}
		for index, value := range value.LogicalUnits {
			targetRepresentation.LogicalUnits[index] = lunRepresentation(value)
		}
		if allowed, err := handler.iscsiTargetDriver.AllowedInitiators(key); err == nil {
			targetRepresentation.AllowedInitiators = allowed
		}
		response[key] = targetRepresentation
	}
	return response
}

func (handler *DemonApiHandler) ListSessions() SessionsResponse {
	sessions := handler.iscsiTargetDriver.Sessions()
	response := make(SessionsResponse, len(sessions))
	for index, session := range sessions {
		response[index] = SessionRepresentation(session)
	}
	return response
}

func statusCode(err error) int {
	var badRequest *ErrBadRequest
	var notFound *ErrNotFound
	switch {
	case errors.As(err, &badRequest):
		return http.StatusBadRequest
	case errors.As(err, &notFound), errors.Is(err, iscsi_target.ErrTargetNotFound):
		return http.StatusNotFound
	}
	return http.StatusConflict
}

func writeJSON(writer http.ResponseWriter, code int, value any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(code)
	if err := json.NewEncoder(writer).Encode(value); err != nil {
		logger.GetLogger().Error(err)
	}
}

func writeError(writer http.ResponseWriter, err error) {
	logger.GetLogger().Warnf("API request failed: %v", err)
	writeJSON(writer, statusCode(err), ErrorResponse{Error: err.Error()})
}

// result adapts a handler returning a body or an error to http.
func result[T any](call func(request *http.Request) (T, error)) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		value, err := call(request)
		if err != nil {
			writeError(writer, err)
			return
		}
		writeJSON(writer, http.StatusOK, value)
	}
}

func logicalUnitId(request *http.Request) (uint64, error) {
	value := mux.Vars(request)["lun"]
	id, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, &ErrBadRequest{err: fmt.Errorf("logical unit id %q: %w", value, err)}
	}
	return id, nil
}

type empty struct{}

func (handler *DemonApiHandler) routes(router *mux.Router) {
	router.Methods("GET").Path("/v1/targets").Handler(result(
		func(*http.Request) (ListResponse, error) {
			return handler.ListTargets(), nil
		}))
	router.Methods("POST").Path("/v1/targets").Handler(result(
		func(request *http.Request) (empty, error) {
			command, err := parseRequest[AddTargetRequest](request.Body)
			if err != nil {
				return empty{}, err
			}
			return empty{}, handler.AddTarget(*command)
		}))
	router.Methods("DELETE").Path("/v1/targets/{target}").Handler(result(
		func(request *http.Request) (empty, error) {
			return empty{}, handler.DeleteTarget(mux.Vars(request)["target"])
		}))
	router.Methods("POST").Path("/v1/targets/{target}").Queries("action", "clear").Handler(result(
		func(request *http.Request) (*ClearTargetResponse, error) {
			return handler.ClearTarget(mux.Vars(request)["target"])
		}))
	router.Methods("PUT").Path("/v1/targets/{target}/initiators").Handler(result(
		func(request *http.Request) (empty, error) {
			command, err := parseRequest[AllowedInitiatorsRequest](request.Body)
			if err != nil {
				return empty{}, err
			}
			return empty{}, handler.SetAllowedInitiators(mux.Vars(request)["target"], *command)
		}))
	router.Methods("POST").Path("/v1/targets/{target}/luns").Handler(result(
		func(request *http.Request) (*AttachResponse, error) {
			command, err := parseRequest[AttachRequest](request.Body)
			if err != nil {
				return nil, err
			}
			return handler.Attach(mux.Vars(request)["target"], *command)
		}))
	router.Methods("DELETE").Path("/v1/targets/{target}/luns/{lun}").Handler(result(
		func(request *http.Request) (*DetachLunResponse, error) {
			id, err := logicalUnitId(request)
			if err != nil {
				return nil, err
			}
			return handler.DetachLun(mux.Vars(request)["target"], id)
		}))
	router.Methods("GET").Path("/v1/sessions").Handler(result(
		func(*http.Request) (SessionsResponse, error) {
			return handler.ListSessions(), nil
		}))
	router.NotFoundHandler = http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writeError(writer, &ErrNotFound{what: request.Method + " " + request.URL.Path})
	})
}
