package api

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// inflightCall is one in-progress state-changing request. Later duplicates
// (same method, URL, and body) attach to it instead of issuing a second
// round-trip; this is double-tap suppression, not idempotency.
type inflightCall struct {
	done chan struct{}
	data []byte
	err  error
}

type inflightTable struct {
	mu    sync.Mutex
	calls map[string]*inflightCall
}

func newInflightTable() *inflightTable {
	return &inflightTable{calls: map[string]*inflightCall{}}
}

// join returns the call for key and whether the caller is the leader who must
// perform the request and complete the call.
func (t *inflightTable) join(key string) (*inflightCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if call, ok := t.calls[key]; ok {
		return call, false
	}
	call := &inflightCall{done: make(chan struct{})}
	t.calls[key] = call
	return call, true
}

func (t *inflightTable) complete(key string, call *inflightCall, data []byte, err error) {
	call.data = data
	call.err = err
	t.mu.Lock()
	delete(t.calls, key)
	t.mu.Unlock()
	close(call.done)
}

func dedupeKey(method, url string, body []byte) string {
	sum := sha256.Sum256(body)
	return method + "\x00" + url + "\x00" + hex.EncodeToString(sum[:])
}
