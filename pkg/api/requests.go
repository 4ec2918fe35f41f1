// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"encoding/json"
	"io"
)

type AttachRequest struct {
	// Device is a storage spec such as "ram:64MiB" or "file:/srv/disk.img:1GiB".
	Device      string `json:"device"`
	BlockLength uint32 `json:"block_length,omitempty"`
}

type AddTargetRequest struct {
	TargetName string `json:"target_name"`
}

type AllowedInitiatorsRequest struct {
	// IP addresses or CIDR networks. Empty allows everybody.
	Initiators []string `json:"initiators"`
}

func parseRequest[T any](body io.Reader) (*T, error) {
	request := new(T)
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(request); err != nil {
		return nil, &ErrBadRequest{err: err}
	}
	return request, nil
}
