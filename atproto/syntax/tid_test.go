package syntax

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTIDParts(t *testing.T) {
	assert := assert.New(t)

	raw := "3kao2cl6lyj2p"
	tid, err := ParseTID(raw)
	assert.NoError(err)
	assert.Equal(2023, tid.Time().Year())

	out := NewTID(tid.Time().UnixMicro(), tid.ClockID())
	assert.Equal(raw, out.String())
	assert.Equal(tid.Integer(), out.Integer())
	assert.Equal(tid.Integer(), NewTIDFromInteger(tid.Integer()).Integer())
}

func TestTIDSyntax(t *testing.T) {
	assert := assert.New(t)

	for _, raw := range []string{"3jzfcijpj2z2a", "7777777777777", "3zzzzzzzzzzzz", "2222222222222"} {
		_, err := ParseTID(raw)
		assert.NoError(err, raw)
	}
	for _, raw := range []string{"", "3jzfcijpj2z2", "3jzfcijpj2z2aa", "3jzfcijpj2z21", "kjzfcijpj2z2a", "3JZFCIJPJ2Z2A"} {
		_, err := ParseTID(raw)
		assert.Error(err, raw)
	}
}

func TestTIDClockMonotonic(t *testing.T) {
	assert := assert.New(t)

	clk := NewTIDClock(7)
	last := clk.Next()
	for i := 0; i < 1000; i++ {
		next := clk.Next()
		assert.Greater(next.String(), last.String())
		assert.Equal(uint(7), next.ClockID())
		last = next
	}
}

func TestTIDClockConcurrent(t *testing.T) {
	assert := assert.New(t)

	clk := NewTIDClock(0)
	var wg sync.WaitGroup
	var mtx sync.Mutex
	seen := make(map[TID]bool)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				tid := clk.Next()
				mtx.Lock()
				seen[tid] = true
				mtx.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(seen, 8*200)
}

func TestTIDClockNextAfter(t *testing.T) {
	assert := assert.New(t)

	future := NewTIDFromTime(time.Now().Add(time.Hour), 3)
	clk := NewTIDClock(0)
	next := clk.NextAfter(future)
	assert.Greater(next.String(), future.String())

	// an older prev does not hold the clock back
	past := NewTIDFromTime(time.Now().Add(-time.Hour), 3)
	after := clk.NextAfter(past)
	assert.Greater(after.String(), next.String())

	assert.NotEmpty(clk.NextAfter(""))
}

func TestClockFromTID(t *testing.T) {
	assert := assert.New(t)

	future := NewTIDFromTime(time.Now().Add(time.Hour), 12)
	clk := ClockFromTID(future)
	next := clk.Next()
	assert.Greater(next.String(), future.String())
	assert.Equal(uint(12), next.ClockID())
}
