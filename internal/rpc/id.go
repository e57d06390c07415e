package rpc

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"math/rand/v2"
	"time"
)

// idMask keeps ids within 52 bits so peers handling ids as IEEE-754
// doubles do not lose precision.
const idMask = (int64(1) << 52) - 1

// NewID returns a process-unique request id: unix milliseconds scaled by
// 1000 with the low three digits randomized, so concurrently generated
// ids do not collide.
func NewID() int64 {
	return time.Now().UnixMilli()*1000 + rand.Int64N(1000)
}

// ContentID derives a request id from the method name and the canonical
// JSON of params. Identical retried sends therefore collapse onto the
// same id until a response arrives.
func ContentID(method string, params any) (int64, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return 0, err
	}
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{':'})
	h.Write(raw)
	sum := h.Sum(nil)
	id := int64(binary.BigEndian.Uint64(sum[:8])) & idMask
	if id == 0 {
		id = 1
	}
	return id, nil
}
