package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/andybalholm/brotli"
)

// Envelope kinds carried on the wire.
const (
	KindHello        = "hello"         // first frame on a connection; announces the sender endpoint
	KindMessage      = "msg"           // mailbox/channel delivery
	KindHeartbeat    = "heartbeat"     // worker liveness pulse
	KindResolve      = "resolve"       // name lookup request
	KindResolveReply = "resolve_reply" // name lookup response
)

// Envelope is the wire frame exchanged between peers over a persistent
// bidirectional stream connection. Payload is JSON, optionally
// brotli-compressed when it exceeds the configured threshold.
type Envelope struct {
	Kind       string   `json:"kind"`
	Sender     Endpoint `json:"sender"`
	Target     string   `json:"target,omitempty"` // "coro:<id>", "chan:<name>" or a registered name
	Seq        uint64   `json:"seq"`
	ReqID      string   `json:"req_id,omitempty"` // resolve correlation id
	Payload    []byte   `json:"payload,omitempty"`
	Compressed bool     `json:"compressed,omitempty"`
}

// Heartbeat is the liveness pulse a worker sends to the distributed
// scheduler.
type Heartbeat struct {
	WorkerID  string    `json:"worker_id"`
	Timestamp time.Time `json:"timestamp"`
	Load      int       `json:"load"`
}

type resolveRequest struct {
	Name string `json:"name"`
}

type resolveReply struct {
	Name   string `json:"name"`
	Target string `json:"target,omitempty"`
	Found  bool   `json:"found"`
}

// encodePayload marshals v, compressing the result when it is at least
// threshold bytes and compression actually helps.
func encodePayload(v any, threshold int) ([]byte, bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false, fmt.Errorf("marshal payload: %w", err)
	}
	if threshold <= 0 || len(raw) < threshold {
		return raw, false, nil
	}

	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.BestSpeed)
	if _, err := w.Write(raw); err != nil {
		return nil, false, fmt.Errorf("compress payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, false, fmt.Errorf("compress payload: %w", err)
	}
	if buf.Len() >= len(raw) {
		return raw, false, nil
	}
	return buf.Bytes(), true, nil
}

// DecodePayload unmarshals an envelope payload into v, transparently
// decompressing it if needed.
func DecodePayload(env Envelope, v any) error {
	data := env.Payload
	if env.Compressed {
		decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(env.Payload)))
		if err != nil {
			return newError(ErrCodeBadEnvelope, "decompress payload", env.Sender, err)
		}
		data = decoded
	}
	if err := json.Unmarshal(data, v); err != nil {
		return newError(ErrCodeBadEnvelope, "unmarshal payload", env.Sender, err)
	}
	return nil
}
