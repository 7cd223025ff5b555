package queue

import (
	"encoding/json"
	"errors"
	"strings"
)

const defaultPrefix = "paycore"

var errBadKind = errors.New("queue: task kind must be lowercase letters, digits, '-' or '_'")

// Task is one unit of follow-up work.
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	MaxAttempts    int
	// Attempt is the 1-based delivery number seen by handlers.
	Attempt int
}

// keyspace names the redis keys of one task kind:
//
//	<prefix>:fu:<kind>:ready     zset scored by due time (unix ms)
//	<prefix>:fu:<kind>:inflight  zset scored by visibility deadline (unix ms)
//	<prefix>:fu:<kind>:dead      list of exhausted envelopes
//	<prefix>:fu:<kind>:once:<k>  enqueue-once marker
type keyspace struct {
	base string
}

func newKeyspace(prefix, kind string) keyspace {
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = defaultPrefix
	}
	return keyspace{base: prefix + ":fu:" + kind}
}

func (k keyspace) ready() string    { return k.base + ":ready" }
func (k keyspace) inflight() string { return k.base + ":inflight" }
func (k keyspace) dead() string     { return k.base + ":dead" }

func (k keyspace) once(key string) string { return k.base + ":once:" + key }

// ReadyKey returns the sorted set holding due tasks of kind.
func ReadyKey(prefix, kind string) string { return newKeyspace(prefix, kind).ready() }

// OnceKey returns the enqueue-once marker for an idempotency key.
func OnceKey(prefix, kind, key string) string { return newKeyspace(prefix, kind).once(key) }

func validKind(kind string) bool {
	if kind == "" {
		return false
	}
	for _, c := range kind {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// envelope is the stored form of a task. Spent counts deliveries already
// made, so the next handler call sees Attempt = Spent+1.
type envelope struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Key     string `json:"key,omitempty"`
	Payload []byte `json:"payload"`
	Spent   int    `json:"spent"`
	Max     int    `json:"max"`
}

func (e envelope) encode() (string, error) {
	raw, err := json.Marshal(e)
	return string(raw), err
}

func decodeEnvelope(raw string) (envelope, error) {
	var e envelope
	err := json.Unmarshal([]byte(raw), &e)
	return e, err
}
