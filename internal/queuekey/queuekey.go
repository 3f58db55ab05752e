// Package queuekey encodes the composite ordering keys that pack every per-host
// queue into one sorted key space.
//
// Layout of an insert key:
//
//	{classKey}\x00{priority:1B}{cost:1B}{ordinal:6BE}
//
// The zero terminator after the class key keeps each virtual queue contiguous:
// no key belonging to one class key can sort between two keys of another.
// The bare origin key {classKey}\x00 is the cap entry written once per queue.
package queuekey

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	sep = '\x00'

	// MaxPriority is the largest encodable scheduling directive.
	MaxPriority = 0xFF
	// MaxCost is the largest encodable per-item cost.
	MaxCost = 0xFF
	// OrdinalBits is the width of the ordinal suffix; larger ordinals wrap.
	OrdinalBits = 48
	// OrdinalMask keeps the low OrdinalBits of an ordinal.
	OrdinalMask = uint64(1)<<OrdinalBits - 1

	suffixLen = 1 + 1 + 6
)

var (
	// ErrOutOfRange reports a priority or cost that does not fit in one unsigned byte.
	ErrOutOfRange = errors.New("queuekey: value out of encodable range")
	// ErrMalformedKey reports a key without a class-key terminator.
	ErrMalformedKey = errors.New("queuekey: malformed key")
	// ErrInvalidClassKey reports a class key that contains the terminator byte.
	ErrInvalidClassKey = errors.New("queuekey: class key contains NUL")
)

// Parts are the decoded components of an insert key.
type Parts struct {
	ClassKey string
	Priority uint8
	Cost     uint8
	Ordinal  uint64
}

// OriginKey returns {classKey}\x00, the cap entry and scan origin of a queue.
func OriginKey(classKey string) []byte {
	k := make([]byte, 0, len(classKey)+1)
	k = append(k, classKey...)
	return append(k, sep)
}

// InsertKey returns the full ordering key for an item. Priority and cost must fit in
// an unsigned byte; callers receiving ErrOutOfRange should retry with a default cost.
// The ordinal is masked to 48 bits.
func InsertKey(classKey string, priority, cost int, ordinal uint64) ([]byte, error) {
	if err := ValidateClassKey(classKey); err != nil {
		return nil, err
	}
	if priority < 0 || priority > MaxPriority {
		return nil, fmt.Errorf("%w: priority %d", ErrOutOfRange, priority)
	}
	if cost < 0 || cost > MaxCost {
		return nil, fmt.Errorf("%w: cost %d", ErrOutOfRange, cost)
	}
	k := make([]byte, 0, len(classKey)+1+suffixLen)
	k = append(k, classKey...)
	k = append(k, sep, byte(priority), byte(cost))
	return putUint48BE(k, ordinal&OrdinalMask), nil
}

// DecodeClassKeyPrefix returns the class key portion of any key produced by this
// package, scanning up to the first NUL byte.
func DecodeClassKeyPrefix(key []byte) (string, error) {
	i := bytes.IndexByte(key, sep)
	if i < 0 {
		return "", ErrMalformedKey
	}
	return string(key[:i]), nil
}

// Decode splits an insert key into its parts. Cap entries are rejected.
func Decode(key []byte) (Parts, error) {
	i := bytes.IndexByte(key, sep)
	if i < 0 || len(key)-i-1 != suffixLen {
		return Parts{}, ErrMalformedKey
	}
	s := key[i+1:]
	return Parts{
		ClassKey: string(key[:i]),
		Priority: s[0],
		Cost:     s[1],
		Ordinal:  getUint48BE(s[2:]),
	}, nil
}

// IsCap reports whether key is a bare origin key.
func IsCap(key []byte) bool {
	return len(key) > 0 && key[len(key)-1] == sep && bytes.IndexByte(key, sep) == len(key)-1
}

// InQueue reports whether key belongs to the queue whose origin key is origin.
func InQueue(key, origin []byte) bool {
	return bytes.HasPrefix(key, origin)
}

// AfterOrigin returns the smallest key strictly greater than origin, which is where
// the first real item of a queue can start.
func AfterOrigin(origin []byte) []byte {
	k := make([]byte, len(origin)+1)
	copy(k, origin)
	return k
}

// ValidateClassKey rejects class keys that would break queue isolation.
func ValidateClassKey(classKey string) error {
	if bytes.IndexByte([]byte(classKey), sep) >= 0 {
		return ErrInvalidClassKey
	}
	return nil
}

func putUint48BE(dst []byte, v uint64) []byte {
	return append(dst,
		byte(v>>40),
		byte(v>>32),
		byte(v>>24),
		byte(v>>16),
		byte(v>>8),
		byte(v),
	)
}

func getUint48BE(b []byte) uint64 {
	return uint64(b[0])<<40 |
		uint64(b[1])<<32 |
		uint64(b[2])<<24 |
		uint64(b[3])<<16 |
		uint64(b[4])<<8 |
		uint64(b[5])
}
