package syntax

import (
	"regexp"
	"slices"
	"strings"
)

var nsidPattern = regexp.MustCompile(`^[a-zA-Z]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+(\.[a-zA-Z]([a-zA-Z]{0,61}[a-zA-Z])?)$`)

// NSID names a record collection, eg "app.bsky.feed.post": a reversed domain followed by a name.
type NSID string

func ParseNSID(raw string) (NSID, error) {
	if err := checkSyntax("NSID", raw, 317, nsidPattern); err != nil {
		return "", err
	}
	return NSID(raw), nil
}

// Authority is the domain part in DNS order, lower-cased: "feed.bsky.app" for "app.bsky.feed.post".
func (n NSID) Authority() string {
	i := strings.LastIndexByte(string(n), '.')
	if i < 0 {
		return ""
	}
	labels := strings.Split(strings.ToLower(string(n[:i])), ".")
	slices.Reverse(labels)
	return strings.Join(labels, ".")
}

// Name is the final segment.
func (n NSID) Name() string {
	return string(n[strings.LastIndexByte(string(n), '.')+1:])
}

func (n NSID) String() string {
	return string(n)
}
