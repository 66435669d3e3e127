// Package ulid generates Crockford-base32 ULIDs (a 48-bit millisecond
// timestamp followed by 80 bits of randomness). No ULID library appears
// anywhere in the example pack this daemon was grounded on, and the
// algorithm is small and well published, so it is implemented directly on
// crypto/rand rather than pulling in an unvetted third-party package — see
// DESIGN.md for the reasoning.
package ulid

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"
)

const encoding = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// ULID is the raw 128-bit value.
type ULID [16]byte

var (
	mu         sync.Mutex
	lastMs     int64
	lastRand   [10]byte
)

// New returns a ULID for time t. Calls within the same millisecond produce
// a monotonically incrementing random component, so ULIDs generated in a
// tight loop still sort correctly.
func New(t time.Time) ULID {
	mu.Lock()
	defer mu.Unlock()

	ms := t.UnixMilli()
	var id ULID
	id[0] = byte(ms >> 40)
	id[1] = byte(ms >> 32)
	id[2] = byte(ms >> 24)
	id[3] = byte(ms >> 16)
	id[4] = byte(ms >> 8)
	id[5] = byte(ms)

	if ms == lastMs {
		incRandom(&lastRand)
	} else {
		lastMs = ms
		if _, err := rand.Read(lastRand[:]); err != nil {
			// crypto/rand failing is exceptional enough that a degraded,
			// still-unique-enough fallback beats a panic in the hot path.
			for i := range lastRand {
				lastRand[i] = byte(time.Now().UnixNano() >> uint(i))
			}
		}
	}
	copy(id[6:], lastRand[:])
	return id
}

func incRandom(b *[10]byte) {
	for i := len(b) - 1; i >= 0; i-- {
		b[i]++
		if b[i] != 0 {
			return
		}
	}
}

// String renders the canonical 26-character Crockford base32 form.
func (u ULID) String() string {
	var sb strings.Builder
	sb.Grow(26)

	// 128 bits / 5 bits-per-char = 25.6, so the encoding treats the value
	// as 130 bits (2 padding zero bits) to land on 26 characters exactly.
	var v [26]byte
	v[0] = encoding[(u[0]&224)>>5]
	v[1] = encoding[u[0]&31]
	v[2] = encoding[(u[1]&248)>>3]
	v[3] = encoding[((u[1]&7)<<2)|((u[2]&192)>>6)]
	v[4] = encoding[(u[2]&62)>>1]
	v[5] = encoding[((u[2]&1)<<4)|((u[3]&240)>>4)]
	v[6] = encoding[((u[3]&15)<<1)|((u[4]&128)>>7)]
	v[7] = encoding[(u[4]&124)>>2]
	v[8] = encoding[((u[4]&3)<<3)|((u[5]&224)>>5)]
	v[9] = encoding[u[5]&31]
	v[10] = encoding[(u[6]&248)>>3]
	v[11] = encoding[((u[6]&7)<<2)|((u[7]&192)>>6)]
	v[12] = encoding[(u[7]&62)>>1]
	v[13] = encoding[((u[7]&1)<<4)|((u[8]&240)>>4)]
	v[14] = encoding[((u[8]&15)<<1)|((u[9]&128)>>7)]
	v[15] = encoding[(u[9]&124)>>2]
	v[16] = encoding[((u[9]&3)<<3)|((u[10]&224)>>5)]
	v[17] = encoding[u[10]&31]
	v[18] = encoding[(u[11]&248)>>3]
	v[19] = encoding[((u[11]&7)<<2)|((u[12]&192)>>6)]
	v[20] = encoding[(u[12]&62)>>1]
	v[21] = encoding[((u[12]&1)<<4)|((u[13]&240)>>4)]
	v[22] = encoding[((u[13]&15)<<1)|((u[14]&128)>>7)]
	v[23] = encoding[(u[14]&124)>>2]
	v[24] = encoding[((u[14]&3)<<3)|((u[15]&224)>>5)]
	v[25] = encoding[u[15]&31]

	return string(v[:])
}

// NewString is a convenience wrapper returning the string form directly.
func NewString(t time.Time) string { return New(t).String() }

func (u ULID) GoString() string { return fmt.Sprintf("ULID(%s)", u.String()) }
