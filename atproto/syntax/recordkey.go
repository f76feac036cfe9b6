package syntax

import (
	"fmt"
	"regexp"
)

var recordKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9_~.:-]+$`)

// RecordKey identifies a record within a collection. TIDs are the usual choice.
type RecordKey string

func ParseRecordKey(raw string) (RecordKey, error) {
	if err := checkSyntax("record key", raw, 512, recordKeyPattern); err != nil {
		return "", err
	}
	if raw == "." || raw == ".." {
		return "", fmt.Errorf("%w: record key %q", ErrInvalidSyntax, raw)
	}
	return RecordKey(raw), nil
}

func (r RecordKey) String() string {
	return string(r)
}
