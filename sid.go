package userstore

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/go-objectsid"
)

// SIDBytesToString converts a binary objectSid value to its S-1-5-21-...
// string representation.
func SIDBytesToString(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("binary SID cannot be empty")
	}
	sid := objectsid.Decode(raw)
	return sid.String(), nil
}

// PrimaryGroupSID composes the SID of a user's primary group from the user's
// own objectSid and the numeric primaryGroupID RID. The primary group lives
// in the same domain as the user, so its SID is the user's SID with the final
// sub-authority (the user RID) replaced by the group RID.
func PrimaryGroupSID(userSID []byte, primaryGroupRID string) (string, error) {
	if strings.TrimSpace(primaryGroupRID) == "" {
		return "", fmt.Errorf("primary group RID cannot be empty")
	}

	sidString, err := SIDBytesToString(userSID)
	if err != nil {
		return "", err
	}

	idx := strings.LastIndex(sidString, "-")
	if idx < 0 {
		return "", fmt.Errorf("malformed SID %q", sidString)
	}

	return sidString[:idx+1] + primaryGroupRID, nil
}
