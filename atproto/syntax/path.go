package syntax

import (
	"errors"
	"fmt"
	"strings"
)

// ParseRepoPath splits a repo path ("collection/rkey") and validates both halves.
//
// Either both parts are returned with a nil error, or both are empty.
func ParseRepoPath(raw string) (NSID, RecordKey, error) {
	parts := strings.SplitN(raw, "/", 3)
	if len(parts) != 2 {
		return "", "", errors.New("expected path to have two parts, separated by single slash")
	}
	nsid, err := ParseNSID(parts[0])
	if err != nil {
		return "", "", fmt.Errorf("collection part of path not a valid NSID: %w", err)
	}
	rkey, err := ParseRecordKey(parts[1])
	if err != nil {
		return "", "", fmt.Errorf("record key part of path not valid: %w", err)
	}
	return nsid, rkey, nil
}

// RepoPath joins a collection and record key into the key used in the repository tree.
func RepoPath(collection NSID, rkey RecordKey) string {
	return collection.String() + "/" + rkey.String()
}
