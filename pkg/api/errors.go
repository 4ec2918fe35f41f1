// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"fmt"
	"strings"
)

type ErrBadRequest struct {
	err error
}

func (err ErrBadRequest) Error() string {
	return fmt.Sprintf("bad request: %v", err.err)
}

type ErrNotFound struct {
	what string
}

func (err ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found", err.what)
}

// ErrApiRequestFailed is the error text the server answered with.
type ErrApiRequestFailed struct {
	statusCode   int
	errorMessage string
}

func (apiErr ErrApiRequestFailed) Error() string {
	return fmt.Sprintf("request failed with %d: %s",
		apiErr.statusCode, strings.Replace(apiErr.errorMessage, `\n`, "\n", -1))
}
