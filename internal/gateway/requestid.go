package gateway

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
	"unicode"
)

var monotonicSeq int64

// requestIDFor implements §4.1 step 1: reuse an incoming x-request-id if
// it's present and syntactically valid, else mint a fresh one.
func requestIDFor(h http.Header) string {
	if id := h.Get("x-request-id"); isValidRequestID(id) {
		return id
	}
	return newRequestID()
}

func newRequestID() string {
	seq := atomic.AddInt64(&monotonicSeq, 1)
	return fmt.Sprintf("ditto-%d-%d", time.Now().UnixMilli(), seq)
}

// isValidRequestID bounds length and rejects whitespace/control characters,
// so a malicious or malformed caller-supplied id can't smuggle something
// unexpected into logs or downstream headers.
func isValidRequestID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		if r > unicode.MaxASCII || !unicode.IsGraphic(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
