// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package params

import (
	"bytes"
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"iscsitarget/pkg/auth"
)

const chapChallengeLength = 16

type chapState struct {
	identifier    byte
	challenge     []byte
	credential    *auth.Credential
	verified      bool
	peerID        int
	peerChallenge []byte
	done          bool
}

// ChapResponse is MD5(identifier || secret || challenge).
func ChapResponse(identifier byte, secret string, challenge []byte) []byte {
	hash := md5.New()
	hash.Write([]byte{identifier})
	hash.Write([]byte(secret))
	hash.Write(challenge)
	return hash.Sum(nil)
}

// DecodeChapBinary decodes a CHAP binary value, either "0x" hex or
// "0b" base64.
func DecodeChapBinary(value string) ([]byte, error) {
	if len(value) < 2 {
		return nil, fmt.Errorf("short CHAP value %q", value)
	}
	prefix, body := strings.ToLower(value[:2]), value[2:]
	switch prefix {
	case "0x":
		return hex.DecodeString(body)
	case "0b":
		return base64.StdEncoding.DecodeString(body)
	}
	return nil, fmt.Errorf("unknown CHAP encoding %q", value)
}

func EncodeChapBinary(value []byte) string {
	return "0x" + hex.EncodeToString(value)
}

func (negotiator *Negotiator) fail(format string, args ...interface{}) error {
	negotiator.set.SetValue(KeyAuthResult, AuthResultFail)
	return fmt.Errorf("%w: %s", ErrAuthentication, fmt.Sprintf(format, args...))
}

// security advances the CHAP exchange for keys of the security family.
func (negotiator *Negotiator) security(key, value string, response *KeyValueList) error {
	switch key {
	case KeyAuthMethod:
		switch value {
		case ValueNone:
			negotiator.set.SetValue(KeyAuthResult, ValueYes)
		case AuthMethodChap:
			negotiator.set.SetValue(KeyAuthResult, ValueNo)
			negotiator.chap = chapState{peerID: -1}
		default:
			negotiator.set.SetValue(KeyAuthResult, AuthResultFail)
		}
	case KeyChapAlgorithm:
		if value != ChapAlgorithmMD5 {
			return negotiator.fail("no acceptable CHAP algorithm")
		}
		return negotiator.challenge(response)
	case KeyChapName:
		if negotiator.Credentials == nil {
			return negotiator.fail("CHAP is not configured")
		}
		credential, err := negotiator.Credentials.Lookup(value, auth.AuthTypeChap)
		if err != nil {
			return negotiator.fail("user %q: %v", value, err)
		}
		negotiator.chap.credential = credential
	case KeyChapResponse:
		return negotiator.verify(value)
	case KeyChapIdentifier:
		identifier, err := strconv.ParseUint(value, 0, 8)
		if err != nil {
			return negotiator.fail("bad CHAP_I %q", value)
		}
		negotiator.chap.peerID = int(identifier)
	case KeyChapChallenge:
		challenge, err := DecodeChapBinary(value)
		if err != nil {
			return negotiator.fail("bad CHAP_C: %v", err)
		}
		if bytes.Equal(challenge, negotiator.chap.challenge) {
			return negotiator.fail("initiator reflected the target challenge")
		}
		negotiator.chap.peerChallenge = challenge
	}
	return nil
}

func (negotiator *Negotiator) challenge(response *KeyValueList) error {
	random := make([]byte, 1+chapChallengeLength)
	if _, err := io.ReadFull(negotiator.Random, random); err != nil {
		return fmt.Errorf("cannot generate CHAP challenge: %w", err)
	}
	negotiator.chap.identifier = random[0]
	negotiator.chap.challenge = random[1:]
	negotiator.Add(response, KeyChapIdentifier, strconv.Itoa(int(random[0])))
	negotiator.Add(response, KeyChapChallenge, EncodeChapBinary(negotiator.chap.challenge))
	return nil
}

func (negotiator *Negotiator) verify(value string) error {
	state := &negotiator.chap
	if state.challenge == nil {
		return negotiator.fail("CHAP_R before challenge")
	}
	if state.credential == nil {
		return negotiator.fail("CHAP_R without CHAP_N")
	}
	received, err := DecodeChapBinary(value)
	if err != nil {
		return negotiator.fail("bad CHAP_R: %v", err)
	}
	expected := ChapResponse(state.identifier, state.credential.Secret, state.challenge)
	if subtle.ConstantTimeCompare(expected, received) != 1 {
		return negotiator.fail("CHAP response mismatch for %q", state.credential.User)
	}
	state.verified = true
	return nil
}

// finishSecurity runs once per received segment: it answers a mutual
// challenge and publishes AuthResult=Yes after a verified response.
func (negotiator *Negotiator) finishSecurity(response *KeyValueList) error {
	state := &negotiator.chap
	if !state.verified || state.done {
		if state.peerChallenge != nil && !state.verified {
			return negotiator.fail("mutual challenge before CHAP_R")
		}
		return nil
	}
	if state.peerChallenge != nil || state.peerID >= 0 {
		if state.peerChallenge == nil || state.peerID < 0 {
			return negotiator.fail("incomplete mutual challenge")
		}
		if negotiator.Mutual == nil {
			return negotiator.fail("mutual CHAP requested but no target secret configured")
		}
		reply := ChapResponse(byte(state.peerID), negotiator.Mutual.Secret, state.peerChallenge)
		negotiator.Add(response, KeyChapName, negotiator.Mutual.User)
		negotiator.Add(response, KeyChapResponse, EncodeChapBinary(reply))
	}
	state.done = true
	negotiator.set.SetValue(KeyAuthResult, ValueYes)
	return nil
}
