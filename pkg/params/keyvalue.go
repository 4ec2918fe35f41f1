// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package params

import (
	"bytes"
	"fmt"
)

type KeyValue struct {
	Key   string
	Value string
}

func (keyValue KeyValue) toByte() []byte {
	return []byte(keyValue.Key + "=" + keyValue.Value)
}

// KeyValueList keeps text keys in the order they go on the wire.
type KeyValueList struct {
	list []KeyValue
}

func NewKeyValueList() *KeyValueList {
	return &KeyValueList{list: []KeyValue{}}
}

func (kvList *KeyValueList) Add(key, value string) {
	kvList.list = append(kvList.list, KeyValue{Key: key, Value: value})
}

func (kvList *KeyValueList) Len() int {
	return len(kvList.list)
}

func (kvList *KeyValueList) Pairs() []KeyValue {
	return kvList.list
}

// Get returns the first value stored under key.
func (kvList *KeyValueList) Get(key string) (string, bool) {
	for _, keyValue := range kvList.list {
		if keyValue.Key == key {
			return keyValue.Value, true
		}
	}
	return "", false
}

// Bytes renders the list as NUL terminated key=value pairs.
func (kvList *KeyValueList) Bytes() []byte {
	buffer := bytes.Buffer{}
	for _, keyValue := range kvList.list {
		buffer.Write(keyValue.toByte())
		buffer.WriteByte(0)
	}
	return buffer.Bytes()
}

// ParseKeyValues splits a text segment into its key=value pairs.
// Empty tokens (trailing NULs and padding) are skipped.
func ParseKeyValues(data []byte) ([]KeyValue, error) {
	result := []KeyValue{}
	for _, token := range bytes.Split(data, []byte{0}) {
		if len(token) == 0 {
			continue
		}
		key, value, ok := bytes.Cut(token, []byte("="))
		if !ok || len(key) == 0 {
			return nil, fmt.Errorf("malformed text key %q", token)
		}
		result = append(result, KeyValue{Key: string(key), Value: string(value)})
	}
	return result, nil
}
