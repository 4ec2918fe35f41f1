// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const requestTimeout = 30 * time.Second

type ClientRequester struct {
	client  *http.Client
	baseURL string
}

// NewApiRequester talks to a server started with the same address.
func NewApiRequester(address string) ClientRequester {
	transport := &http.Transport{}
	baseURL := "http://" + address
	if path := strings.TrimPrefix(address, unixPrefix); path != address {
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, "unix", path)
		}
		baseURL = "http://unix"
	}
	return ClientRequester{
		client:  &http.Client{Transport: transport, Timeout: requestTimeout},
		baseURL: baseURL,
	}
}

func (api ClientRequester) request(method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	request, err := http.NewRequest(method, api.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := api.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusOK {
		failure := ErrorResponse{}
		if err := json.Unmarshal(data, &failure); err != nil || failure.Error == "" {
			failure.Error = strings.TrimSpace(string(data))
		}
		return nil, &ErrApiRequestFailed{statusCode: response.StatusCode, errorMessage: failure.Error}
	}
	return data, nil
}

func specificRequest[RespType any](api ClientRequester, method, path string, body any) (*RespType, error) {
	data, err := api.request(method, path, body)
	if err != nil {
		return nil, err
	}
	result := new(RespType)
	if err := json.Unmarshal(data, result); err != nil {
		return nil, err
	}
	return result, nil
}

func emptyResponseRequest(api ClientRequester, method, path string, body any) error {
	_, err := api.request(method, path, body)
	return err
}

func targetPath(targetName string) string {
	return "/v1/targets/" + url.PathEscape(targetName)
}

func (api ClientRequester) PerformAttach(
	targetName string,
	device string,
	blockLength uint32,
) (*AttachResponse, error) {
	command := AttachRequest{
		Device:      device,
		BlockLength: blockLength,
	}
	return specificRequest[AttachResponse](api, http.MethodPost, targetPath(targetName)+"/luns", command)
}

func (api ClientRequester) PerformDetachLun(
	targetName string,
	logicalUnitId uint64,
) (*DetachLunResponse, error) {
	path := fmt.Sprintf("%s/luns/%d", targetPath(targetName), logicalUnitId)
	return specificRequest[DetachLunResponse](api, http.MethodDelete, path, nil)
}

func (api ClientRequester) PerformAddTarget(targetName string) error {
	command := AddTargetRequest{
		TargetName: targetName,
	}
	return emptyResponseRequest(api, http.MethodPost, "/v1/targets", command)
}

func (api ClientRequester) PerformDeleteTarget(targetName string) error {
	return emptyResponseRequest(api, http.MethodDelete, targetPath(targetName), nil)
}

func (api ClientRequester) PerformClearTarget(targetName string) (*ClearTargetResponse, error) {
	return specificRequest[ClearTargetResponse](api, http.MethodPost, targetPath(targetName)+"?action=clear", nil)
}

func (api ClientRequester) PerformSetAllowedInitiators(targetName string, initiators []string) error {
	command := AllowedInitiatorsRequest{Initiators: initiators}
	return emptyResponseRequest(api, http.MethodPut, targetPath(targetName)+"/initiators", command)
}

func (api ClientRequester) PerformList() (*ListResponse, error) {
	return specificRequest[ListResponse](api, http.MethodGet, "/v1/targets", nil)
}

func (api ClientRequester) PerformListSessions() (*SessionsResponse, error) {
	return specificRequest[SessionsResponse](api, http.MethodGet, "/v1/sessions", nil)
}
