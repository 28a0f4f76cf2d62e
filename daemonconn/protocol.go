package daemonconn

import (
	"encoding/binary"
	"fmt"

	json "github.com/goccy/go-json"
)

// frameKind tags what a daemon frame carries. The wire format is a single
// websocket binary message: a 4-byte big-endian header length, the header
// itself (JSON), then the raw payload bytes.
type frameKind string

const (
	frameConnect    frameKind = "connect"
	frameConnected  frameKind = "connected"
	frameJoin       frameKind = "join"
	frameLeave      frameKind = "leave"
	frameOK         frameKind = "ok"
	frameError      frameKind = "error"
	frameData       frameKind = "data"
	frameMembership frameKind = "membership"
)

type frameHeader struct {
	Kind    frameKind `json:"kind"`
	Groups  []string  `json:"groups,omitempty"`
	QoS     string    `json:"qos,omitempty"`
	Group   string    `json:"group,omitempty"`
	Message string    `json:"message,omitempty"`
	Code    string    `json:"code,omitempty"`

	// SelfDiscard asks the daemon not to deliver this data frame back to
	// the session that sent it, even when that session has joined one of
	// the target groups. The transport sets it on every outgoing
	// notification (local fan-out already covers same-session
	// subscribers); InterruptReceive leaves it unset so the self-addressed
	// message does come back.
	SelfDiscard bool `json:"self_discard,omitempty"`
}

// encodeFrame serializes header and payload into a single wire frame.
func encodeFrame(header frameHeader, payload []byte) ([]byte, error) {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("daemonconn: marshal frame header: %w", err)
	}

	buf := make([]byte, 4+len(headerBytes)+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(headerBytes)))
	copy(buf[4:], headerBytes)
	copy(buf[4+len(headerBytes):], payload)
	return buf, nil
}

// decodeFrame splits a wire frame back into its header and payload.
func decodeFrame(raw []byte) (frameHeader, []byte, error) {
	var header frameHeader
	if len(raw) < 4 {
		return header, nil, fmt.Errorf("daemonconn: frame too short (%d bytes)", len(raw))
	}
	headerLen := binary.BigEndian.Uint32(raw[:4])
	if int(headerLen) > len(raw)-4 {
		return header, nil, fmt.Errorf("daemonconn: frame header length %d exceeds frame size", headerLen)
	}
	headerBytes := raw[4 : 4+headerLen]
	payload := raw[4+headerLen:]

	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return header, nil, fmt.Errorf("daemonconn: unmarshal frame header: %w", err)
	}
	return header, payload, nil
}
