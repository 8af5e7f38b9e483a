package userstore

import (
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// guidBytesLength is the size of an objectGUID value; GUIDs are always 16 bytes.
const guidBytesLength = 16

// swapGUIDBytes converts between the Active Directory objectGUID byte order
// and the canonical big-endian UUID byte order. AD stores the first three
// GUID fields little-endian and the final eight bytes big-endian, so the
// swap is its own inverse.
//
// https://learn.microsoft.com/en-us/windows/win32/api/guiddef/ns-guiddef-guid
func swapGUIDBytes(b []byte) ([]byte, error) {
	if len(b) != guidBytesLength {
		return nil, fmt.Errorf("invalid GUID byte length: expected %d, got %d", guidBytesLength, len(b))
	}

	swapped := make([]byte, guidBytesLength)

	// Data1: 4 bytes, little-endian.
	swapped[0], swapped[1], swapped[2], swapped[3] = b[3], b[2], b[1], b[0]
	// Data2 and Data3: 2 bytes each, little-endian.
	swapped[4], swapped[5] = b[5], b[4]
	swapped[6], swapped[7] = b[7], b[6]
	// Data4: 8 bytes, big-endian.
	copy(swapped[8:], b[8:])

	return swapped, nil
}

// GUIDToUUIDString converts raw objectGUID bytes to the canonical UUID text
// form, applying the AD byte-order swap.
func GUIDToUUIDString(raw []byte) (string, error) {
	swapped, err := swapGUIDBytes(raw)
	if err != nil {
		return "", err
	}

	u, err := uuid.FromBytes(swapped)
	if err != nil {
		return "", fmt.Errorf("failed to build UUID from objectGUID bytes: %w", err)
	}

	return u.String(), nil
}

// UUIDStringToGUID converts a canonical UUID string back to the raw
// objectGUID byte form used in search filters against the directory.
func UUIDStringToGUID(s string) ([]byte, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID %q: %w", s, err)
	}

	b := u[:]
	return swapGUIDBytes(b)
}

// decodeBinaryID renders a binary immutable-ID attribute value as text. A
// 16-byte value with the GUID transform enabled becomes a canonical UUID;
// otherwise the raw bytes are base64 encoded.
func decodeBinaryID(raw []byte, transformGUID bool) string {
	if len(raw) == guidBytesLength && transformGUID {
		if s, err := GUIDToUUIDString(raw); err == nil {
			return s
		}
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// encodeIDForFilter produces the filter-safe value matching a stored
// immutable ID. For a binary ID attribute the textual ID is converted back to
// the raw stored bytes first: UUID-form IDs through the GUID byte swap,
// anything else through base64. A textual ID attribute keeps the ID as is,
// since a plain ID can coincidentally parse as base64. Either way the result
// is filter-escaped per RFC 4515.
func encodeIDForFilter(id string, transformGUID, binary bool) (string, error) {
	if binary {
		if transformGUID {
			if raw, err := UUIDStringToGUID(id); err == nil {
				return EscapeFilterValue(string(raw)), nil
			}
		}
		if raw, err := base64.StdEncoding.DecodeString(id); err == nil {
			return EscapeFilterValue(string(raw)), nil
		}
	}
	return EscapeFilterValue(id), nil
}
