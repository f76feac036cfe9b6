package syntax

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidSyntax is wrapped by every Parse* error in this package.
var ErrInvalidSyntax = errors.New("invalid syntax")

// checkSyntax applies the length and pattern rules shared by the identifier types.
func checkSyntax(kind, raw string, maxLen int, pattern *regexp.Regexp) error {
	switch {
	case raw == "":
		return fmt.Errorf("%w: empty %s", ErrInvalidSyntax, kind)
	case len(raw) > maxLen:
		return fmt.Errorf("%w: %s longer than %d bytes", ErrInvalidSyntax, kind, maxLen)
	case !pattern.MatchString(raw):
		return fmt.Errorf("%w: %s %q", ErrInvalidSyntax, kind, raw)
	}
	return nil
}

// DID names the account that owns a repository, eg "did:plc:ewvi7nxzyoun6zhxrhs64oiz". Only the
// generic did: grammar is checked; methods are not resolved.
type DID string

var didPattern = regexp.MustCompile(`^did:[a-z]+:[a-zA-Z0-9._:%-]*[a-zA-Z0-9._-]$`)

func ParseDID(raw string) (DID, error) {
	if err := checkSyntax("DID", raw, 2048, didPattern); err != nil {
		return "", err
	}
	return DID(raw), nil
}

func (d DID) split() (method, id string) {
	rest := strings.TrimPrefix(string(d), "did:")
	method, id, _ = strings.Cut(rest, ":")
	return method, id
}

// Method is the method segment, eg "plc".
func (d DID) Method() string {
	m, _ := d.split()
	return strings.ToLower(m)
}

// Identifier is everything after the method segment.
func (d DID) Identifier() string {
	_, id := d.split()
	return id
}

func (d DID) String() string {
	return string(d)
}

func (d DID) MarshalText() ([]byte, error) {
	return []byte(d), nil
}

func (d *DID) UnmarshalText(text []byte) (err error) {
	*d, err = ParseDID(string(text))
	return err
}
