// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/

// Package params implements iSCSI text key negotiation.
package params

import (
	"strconv"
	"strings"
)

type Type int

const (
	Declarative Type = iota
	DeclareMulti
	BinaryAnd
	BinaryOr
	Numerical
	NumericalZ
	List
)

func (parameterType Type) String() string {
	switch parameterType {
	case Declarative:
		return "declarative"
	case DeclareMulti:
		return "declare-multi"
	case BinaryAnd:
		return "binary-and"
	case BinaryOr:
		return "binary-or"
	case Numerical:
		return "numerical"
	case NumericalZ:
		return "numerical-z"
	case List:
		return "list"
	}
	return "unknown"
}

// Reserved answers
const (
	ValueReject        = "Reject"
	ValueNotUnderstood = "NotUnderstood"
	ValueIrrelevant    = "Irrelevant"
	ValueInquiry       = "?"
	ValueYes           = "Yes"
	ValueNo            = "No"
	ValueNone          = "None"
)

// Definition describes one key the way a target is configured with it.
// For numerical keys Valid holds the local maximum.
type Definition struct {
	Key     string
	Type    Type
	Default string
	Valid   string
	// Local keys are never negotiated with the peer.
	Local bool
}

// Parameter is the per-connection negotiation record of one key.
type Parameter struct {
	Definition
	offerTx  string
	offerRx  string
	answerTx string
	answerRx string
	txOffer  bool
	rxOffer  bool
	txAnswer bool
	rxAnswer bool
	// reset clears the committed values before the next commit.
	reset  bool
	values []string
}

func newParameter(definition Definition) *Parameter {
	parameter := &Parameter{Definition: definition}
	if definition.Default != "" {
		parameter.values = []string{definition.Default}
	}
	return parameter
}

// Value is the current committed value, or "" if none.
func (parameter *Parameter) Value() string {
	if len(parameter.values) == 0 {
		return ""
	}
	return parameter.values[0]
}

// Values returns every committed value; more than one only for
// declare-multi keys.
func (parameter *Parameter) Values() []string {
	return append([]string(nil), parameter.values...)
}

func (parameter *Parameter) commit(value string) {
	if parameter.reset {
		parameter.values = nil
		parameter.reset = false
	}
	if parameter.Type == DeclareMulti || len(parameter.values) == 0 {
		parameter.values = append(parameter.values, value)
		return
	}
	parameter.values = []string{value}
}

func (parameter *Parameter) validValues() []string {
	return splitList(parameter.Valid)
}

func (parameter *Parameter) accepts(value string) bool {
	for _, valid := range parameter.validValues() {
		if valid == value {
			return true
		}
	}
	return false
}

// Set holds the parameters of one connection in definition order.
type Set struct {
	order      []string
	parameters map[string]*Parameter
}

func NewSet(definitions []Definition) *Set {
	set := &Set{parameters: make(map[string]*Parameter, len(definitions))}
	for _, definition := range definitions {
		set.Define(definition)
	}
	return set
}

// Define adds a key or replaces its definition, dropping its state.
func (set *Set) Define(definition Definition) {
	if _, ok := set.parameters[definition.Key]; !ok {
		set.order = append(set.order, definition.Key)
	}
	set.parameters[definition.Key] = newParameter(definition)
}

func (set *Set) Get(key string) (*Parameter, bool) {
	parameter, ok := set.parameters[key]
	return parameter, ok
}

func (set *Set) Keys() []string {
	return append([]string(nil), set.order...)
}

// Value returns the committed value of key, "" for unknown keys.
func (set *Set) Value(key string) string {
	if parameter, ok := set.parameters[key]; ok {
		return parameter.Value()
	}
	return ""
}

// Equal reports whether the committed value of key equals value.
func (set *Set) Equal(key, value string) bool {
	parameter, ok := set.parameters[key]
	return ok && parameter.Value() == value
}

// Number parses the committed value of a numerical key.
func (set *Set) Number(key string) (uint32, error) {
	value, err := strconv.ParseUint(set.Value(key), 10, 32)
	return uint32(value), err
}

// Bool reports whether a binary key has been committed as Yes.
func (set *Set) Bool(key string) bool {
	return set.Equal(key, ValueYes)
}

// SetValue commits a value directly, bypassing negotiation. Used for
// local keys such as AuthResult.
func (set *Set) SetValue(key, value string) {
	if parameter, ok := set.parameters[key]; ok {
		parameter.values = []string{value}
	}
}

// Clear forgets the committed values of key.
func (set *Set) Clear(key string) {
	if parameter, ok := set.parameters[key]; ok {
		parameter.values = nil
	}
}

// MarkReset makes the next commit of key replace its value history.
func (set *Set) MarkReset(key string) {
	if parameter, ok := set.parameters[key]; ok {
		parameter.reset = true
	}
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	result := strings.Split(value, ",")
	for i := range result {
		result[i] = strings.TrimSpace(result[i])
	}
	return result
}
