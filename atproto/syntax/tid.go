package syntax

import (
	"encoding/base32"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"
)

const Base32SortAlphabet = "234567abcdefghijklmnopqrstuvwxyz"

func Base32Sort() *base32.Encoding {
	return base32.NewEncoding(Base32SortAlphabet).WithPadding(base32.NoPadding)
}

// TID is a timestamp identifier: 13 characters of sortable base32 encoding a 53-bit microsecond
// timestamp and a 10-bit clock id. String order matches time order, so TIDs serve as repository
// revisions.
type TID string

var tidRegex = regexp.MustCompile(`^[234567abcdefghij][234567abcdefghijklmnopqrstuvwxyz]{12}$`)

func ParseTID(raw string) (TID, error) {
	if raw == "" {
		return "", errors.New("expected TID, got empty string")
	}
	if len(raw) != 13 {
		return "", errors.New("TID is wrong length (expected 13 chars)")
	}
	if !tidRegex.MatchString(raw) {
		return "", errors.New("TID syntax didn't validate via regex")
	}
	return TID(raw), nil
}

// NewTIDNow builds a one-off TID from the wall clock. Prefer a [TIDClock], which never goes
// backwards.
func NewTIDNow(clockID uint) TID {
	return NewTID(time.Now().UTC().UnixMicro(), clockID)
}

func NewTIDFromInteger(v uint64) TID {
	v &= 0x7FFF_FFFF_FFFF_FFFF
	var buf [13]byte
	for i := 12; i >= 0; i-- {
		buf[i] = Base32SortAlphabet[v&0x1F]
		v >>= 5
	}
	return TID(buf[:])
}

// NewTID packs a UNIX timestamp in microseconds and a clock id.
func NewTID(unixMicros int64, clockID uint) TID {
	v := (uint64(unixMicros&0x1F_FFFF_FFFF_FFFF) << 10) | uint64(clockID&0x3FF)
	return NewTIDFromInteger(v)
}

func NewTIDFromTime(ts time.Time, clockID uint) TID {
	return NewTID(ts.UTC().UnixMicro(), clockID)
}

// Integer decodes the TID. Malformed values decode to zero.
func (t TID) Integer() uint64 {
	s := string(t)
	if len(s) != 13 {
		return 0
	}
	var v uint64
	for i := 0; i < 13; i++ {
		c := strings.IndexByte(Base32SortAlphabet, s[i])
		if c < 0 {
			return 0
		}
		v = (v << 5) | uint64(c&0x1F)
	}
	return v
}

func (t TID) Time() time.Time {
	i := (t.Integer() >> 10) & 0x1FFF_FFFF_FFFF_FFFF
	return time.UnixMicro(int64(i)).UTC()
}

func (t TID) ClockID() uint {
	return uint(t.Integer() & 0x3FF)
}

func (t TID) String() string {
	return string(t)
}

func (t TID) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TID) UnmarshalText(text []byte) error {
	tid, err := ParseTID(string(text))
	if err != nil {
		return err
	}
	*t = tid
	return nil
}

// TIDClock hands out TIDs that strictly increase, even if the wall clock stalls or steps back.
// Safe for concurrent use.
type TIDClock struct {
	ClockID       uint
	mtx           sync.Mutex
	lastUnixMicro int64
}

func NewTIDClock(clockID uint) *TIDClock {
	return &TIDClock{ClockID: clockID}
}

// ClockFromTID returns a clock whose next value is later than t.
func ClockFromTID(t TID) *TIDClock {
	um := (t.Integer() >> 10) & 0x1FFF_FFFF_FFFF_FFFF
	return &TIDClock{
		ClockID:       t.ClockID(),
		lastUnixMicro: int64(um),
	}
}

func (c *TIDClock) Next() TID {
	now := time.Now().UTC().UnixMicro()
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if now <= c.lastUnixMicro {
		now = c.lastUnixMicro + 1
	}
	c.lastUnixMicro = now
	return NewTID(now, c.ClockID)
}

// NextAfter returns the next TID from the clock, bumped past prev if needed. An empty prev
// places no constraint.
func (c *TIDClock) NextAfter(prev TID) TID {
	now := time.Now().UTC().UnixMicro()
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if prev != "" {
		pm := int64((prev.Integer() >> 10) & 0x1FFF_FFFF_FFFF_FFFF)
		if pm > c.lastUnixMicro {
			c.lastUnixMicro = pm
		}
	}
	if now <= c.lastUnixMicro {
		now = c.lastUnixMicro + 1
	}
	c.lastUnixMicro = now
	return NewTID(now, c.ClockID)
}
