// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package params

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strconv"

	"iscsitarget/pkg/auth"
	"iscsitarget/pkg/logger"
)

// ErrAuthentication is returned when a CHAP step fails. Callers map it
// to the login authentication-failure status instead of a generic
// initiator error.
var ErrAuthentication = errors.New("authentication failed")

// Negotiator runs the key=value exchange of one connection.
type Negotiator struct {
	set    *Set
	logger *logger.Logger
	chap   chapState

	// Credentials looks up CHAP_N secrets; nil disables CHAP.
	Credentials auth.Store
	// Mutual is the target's own credential for bidirectional CHAP.
	Mutual *auth.Credential
	// Random feeds CHAP identifiers and challenges.
	Random io.Reader
}

func NewNegotiator(set *Set, credentials auth.Store, mutual *auth.Credential) *Negotiator {
	return &Negotiator{
		set:         set,
		logger:      logger.GetLogger(),
		Credentials: credentials,
		Mutual:      mutual,
		Random:      rand.Reader,
		chap:        chapState{peerID: -1},
	}
}

func (negotiator *Negotiator) Set() *Set {
	return negotiator.set
}

// Parse consumes a text segment. Incoming text carries the peer's
// offers and answers, the replies are appended to response. Outgoing
// text holds our own offers and is recorded as such.
func (negotiator *Negotiator) Parse(data []byte, outgoing bool, response *KeyValueList) error {
	pairs, err := ParseKeyValues(data)
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		if outgoing {
			negotiator.Add(response, pair.Key, pair.Value)
			continue
		}
		if err := negotiator.receive(pair.Key, pair.Value, response); err != nil {
			return err
		}
	}
	if outgoing {
		return nil
	}
	return negotiator.finishSecurity(response)
}

// Add emits key=value as our offer, or as our answer when the peer
// offered the key first. Keys we do not know are ignored.
func (negotiator *Negotiator) Add(response *KeyValueList, key, value string) {
	parameter, ok := negotiator.set.Get(key)
	if !ok {
		negotiator.logger.Debugf("Skip unknown outgoing key %s", key)
		return
	}
	response.Add(key, value)
	if parameter.rxOffer {
		parameter.answerTx = value
		parameter.txAnswer = true
		parameter.rxOffer = false
		if !isReservedValue(value) {
			parameter.commit(value)
		}
		return
	}
	if parameter.Type == Declarative || parameter.Type == DeclareMulti {
		parameter.offerTx = value
		parameter.commit(value)
		return
	}
	parameter.offerTx = value
	parameter.txOffer = true
}

func (negotiator *Negotiator) receive(key, value string, response *KeyValueList) error {
	parameter, ok := negotiator.set.Get(key)
	if !ok || parameter.Local {
		negotiator.logger.Debugf("Key %s not understood", key)
		response.Add(key, ValueNotUnderstood)
		return nil
	}
	if value == ValueInquiry {
		response.Add(key, parameter.Value())
		return nil
	}
	if parameter.txOffer {
		return negotiator.receiveAnswer(parameter, value, response)
	}
	parameter.offerRx = value
	parameter.rxOffer = true
	if parameter.Type == Declarative || parameter.Type == DeclareMulti {
		parameter.rxOffer = false
		parameter.commit(value)
		return negotiator.security(key, value, response)
	}
	answer := parameter.answer(value)
	negotiator.Add(response, key, answer)
	return negotiator.security(key, answer, response)
}

func (negotiator *Negotiator) receiveAnswer(parameter *Parameter, value string, response *KeyValueList) error {
	parameter.answerRx = value
	parameter.rxAnswer = true
	parameter.txOffer = false
	if isReservedValue(value) {
		negotiator.logger.Warningf("Peer answered %s=%s", parameter.Key, value)
		return nil
	}
	result, err := parameter.resolve(parameter.offerTx, value)
	if err != nil {
		return err
	}
	parameter.commit(result)
	return negotiator.security(parameter.Key, result, response)
}

// answer computes the responder's value for an offer.
func (parameter *Parameter) answer(offer string) string {
	switch parameter.Type {
	case BinaryOr:
		switch offer {
		case ValueYes:
			return ValueYes
		case ValueNo:
			if parameter.accepts(ValueNo) {
				return ValueNo
			}
			return ValueYes
		}
		return ValueReject
	case BinaryAnd:
		switch offer {
		case ValueNo:
			return ValueNo
		case ValueYes:
			if parameter.accepts(ValueYes) {
				return ValueYes
			}
			return ValueNo
		}
		return ValueReject
	case List:
		offered := splitList(offer)
		if parameter.Default != "" && parameter.accepts(parameter.Default) {
			for _, value := range offered {
				if value == parameter.Default {
					return value
				}
			}
		}
		for _, value := range offered {
			if parameter.accepts(value) {
				return value
			}
		}
		return ValueReject
	case Numerical, NumericalZ:
		result, err := parameter.minimum(offer)
		if err != nil {
			return ValueReject
		}
		return result
	}
	return offer
}

// resolve combines our offer with the peer's answer.
func (parameter *Parameter) resolve(offer, answer string) (string, error) {
	switch parameter.Type {
	case BinaryOr:
		if offer == ValueYes || answer == ValueYes {
			return ValueYes, nil
		}
		return ValueNo, nil
	case BinaryAnd:
		if offer == ValueYes && answer == ValueYes {
			return ValueYes, nil
		}
		return ValueNo, nil
	case List:
		for _, value := range splitList(offer) {
			if value == answer {
				return answer, nil
			}
		}
		return "", fmt.Errorf("answer %s=%s was not offered", parameter.Key, answer)
	case Numerical, NumericalZ:
		mine, err := strconv.ParseUint(offer, 10, 32)
		if err != nil {
			return "", err
		}
		theirs, err := strconv.ParseUint(answer, 10, 32)
		if err != nil {
			return "", fmt.Errorf("bad numerical answer %s=%s", parameter.Key, answer)
		}
		return strconv.FormatUint(minimumZ(mine, theirs, parameter.Type == NumericalZ), 10), nil
	}
	return answer, nil
}

func (parameter *Parameter) minimum(offer string) (string, error) {
	offered, err := strconv.ParseUint(offer, 10, 32)
	if err != nil {
		return "", err
	}
	limit, err := strconv.ParseUint(parameter.Valid, 10, 32)
	if err != nil {
		return "", fmt.Errorf("bad limit for %s: %w", parameter.Key, err)
	}
	return strconv.FormatUint(minimumZ(offered, limit, parameter.Type == NumericalZ), 10), nil
}

// minimumZ is min(a, b) where zero stands for unbounded if zeroUnbounded.
func minimumZ(a, b uint64, zeroUnbounded bool) uint64 {
	if zeroUnbounded {
		if a == 0 {
			return b
		}
		if b == 0 {
			return a
		}
	}
	if a < b {
		return a
	}
	return b
}

func isReservedValue(value string) bool {
	return value == ValueReject || value == ValueNotUnderstood || value == ValueIrrelevant
}
