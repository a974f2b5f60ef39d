package util

import (
	"encoding/binary"
	"errors"

	"braces.dev/errtrace"
)

var (
	ErrUnexpectedEOF    = errors.New("unexpected end of data")
	ErrMalformedUvarint = errors.New("malformed uvarint")
)

// AppendPrefixedString appends val to buf prefixed with its length as uvarint.
func AppendPrefixedString[T ~string | ~[]byte](buf []byte, val T) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(val)))
	return append(buf, val...)
}

// AppendUVarInt appends val to buf as uvarint.
func AppendUVarInt(buf []byte, val uint64) []byte {
	return binary.AppendUvarint(buf, val)
}

// ConsumePrefixedString reads a length-prefixed string from data and returns the rest.
func ConsumePrefixedString(data []byte) (string, []byte, error) {
	n, rest, err := ConsumeUVarInt(data)
	if err != nil {
		return "", nil, errtrace.Wrap(err)
	}
	if n > uint64(len(rest)) {
		return "", nil, errtrace.Wrap(ErrUnexpectedEOF)
	}
	return string(rest[:n]), rest[n:], nil
}

// ConsumeUVarInt reads a uvarint from data and returns the rest.
func ConsumeUVarInt(data []byte) (uint64, []byte, error) {
	val, n := binary.Uvarint(data)
	switch {
	case n == 0:
		return 0, nil, errtrace.Wrap(ErrUnexpectedEOF)
	case n < 0:
		return 0, nil, errtrace.Wrap(ErrMalformedUvarint)
	}
	return val, data[n:], nil
}
