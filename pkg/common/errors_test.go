// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package common

import (
	"errors"
	"strings"
	"testing"
)

var errBase = errors.New("base")

func raiseHere() *ReRaisableError {
	return RaiseFrom(errBase, errors.New("cause"))
}

func TestRaiseFromNamesRaiser(t *testing.T) {
	err := raiseHere()
	if !strings.Contains(err.Error(), "raiseHere") {
		t.Errorf("%q does not name the raising function", err.Error())
	}
	if err.Base() != errBase {
		t.Errorf("base is %v", err.Base())
	}
	if err.Unwrap().Error() != "cause" {
		t.Errorf("cause is %v", err.Unwrap())
	}
}
