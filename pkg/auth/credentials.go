// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/

// Package auth holds the user/secret store consulted during CHAP.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

const AuthTypeChap = "chap"

// minimal secret length accepted by most initiators
const MinSecretLength = 12

type Credential struct {
	User     string
	AuthType string
	Secret   string
}

// Store resolves a user name to its shared secret.
type Store interface {
	Lookup(user, authType string) (*Credential, error)
}

var ErrNotFound = errors.New("credentials not found")

type credentialKey struct {
	user     string
	authType string
}

// StaticStore keeps credentials in memory. The zero value is not
// usable; call NewStaticStore.
type StaticStore struct {
	mutex   sync.RWMutex
	entries map[credentialKey]Credential
}

func NewStaticStore(credentials ...Credential) *StaticStore {
	store := &StaticStore{entries: make(map[credentialKey]Credential)}
	for _, credential := range credentials {
		store.Add(credential)
	}
	return store
}

func (store *StaticStore) Add(credential Credential) {
	if credential.AuthType == "" {
		credential.AuthType = AuthTypeChap
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.entries[credentialKey{credential.User, credential.AuthType}] = credential
}

func (store *StaticStore) Lookup(user, authType string) (*Credential, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	credential, ok := store.entries[credentialKey{user, authType}]
	if !ok {
		return nil, fmt.Errorf("%w: user %q, auth type %q", ErrNotFound, user, authType)
	}
	return &credential, nil
}

func (store *StaticStore) Len() int {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return len(store.entries)
}

// ParseCredential reads the "user:secret" form used on the command line.
func ParseCredential(text string) (Credential, error) {
	user, secret, ok := strings.Cut(text, ":")
	if !ok || user == "" || secret == "" {
		return Credential{}, fmt.Errorf("credential %q is not in user:secret form", text)
	}
	return Credential{User: user, AuthType: AuthTypeChap, Secret: secret}, nil
}
