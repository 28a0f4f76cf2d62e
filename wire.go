package spreadbus

import (
	"encoding/binary"
	"fmt"

	json "github.com/goccy/go-json"
)

// MinDataSpace is the reserved data-space floor fragmentation must leave
// after metadata: if a fragment's header alone would leave this many bytes
// or fewer for data, fragmentation fails.
const MinDataSpace = 5

// DefaultMaxFragmentSize is the out-connector's default fragment size cap.
const DefaultMaxFragmentSize = 100_000

// FramePrefixSize is the length of the big-endian envelope-length prefix
// ahead of every encoded fragment; it counts against the fragment budget.
const FramePrefixSize = 4

// wireFragment is the JSON envelope wrapping one FragmentedNotification on
// the wire. Header is present only on fragment 0; Data is carried as raw
// bytes appended after the JSON envelope rather than base64-encoded inline,
// to avoid inflating large payloads by a third.
type wireFragment struct {
	SenderID     string                  `json:"sender_id"`
	Sequence     uint32                  `json:"sequence"`
	DataPart     uint32                  `json:"data_part"`
	NumDataParts uint32                  `json:"num_data_parts"`
	Header       *wireNotificationHeader `json:"header,omitempty"`
}

type wireNotificationHeader struct {
	Scope       string            `json:"scope"`
	WireSchema  string            `json:"wire_schema"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Causes      []string          `json:"causes,omitempty"`
	Ordering    Ordering          `json:"ordering"`
	Reliability Reliability       `json:"reliability"`
}

// EncodeFragmentHeader serializes everything in fragment except Data, for
// measuring metadata size against the fragmentation budget.
func EncodeFragmentHeader(fragment FragmentedNotification) ([]byte, error) {
	return json.Marshal(toWireFragment(fragment))
}

// EncodeFragment serializes fragment into a single wire payload: a 4-byte
// big-endian envelope length, the JSON envelope, then the raw data bytes.
func EncodeFragment(fragment FragmentedNotification) ([]byte, error) {
	envelope, err := json.Marshal(toWireFragment(fragment))
	if err != nil {
		return nil, fmt.Errorf("%w: marshal fragment envelope: %v", ErrProtocolError, err)
	}

	buf := make([]byte, FramePrefixSize+len(envelope)+len(fragment.Data))
	binary.BigEndian.PutUint32(buf[:FramePrefixSize], uint32(len(envelope)))
	copy(buf[FramePrefixSize:], envelope)
	copy(buf[FramePrefixSize+len(envelope):], fragment.Data)
	return buf, nil
}

func toWireFragment(fragment FragmentedNotification) wireFragment {
	wf := wireFragment{
		SenderID:     fragment.ID.SenderID.String(),
		Sequence:     fragment.ID.Sequence,
		DataPart:     fragment.DataPart,
		NumDataParts: fragment.NumDataParts,
	}
	if fragment.Header != nil {
		h := fragment.Header
		causes := make([]string, len(h.Causes))
		for i, c := range h.Causes {
			causes[i] = c.String()
		}
		wf.Header = &wireNotificationHeader{
			Scope:       h.Scope.String(),
			WireSchema:  h.WireSchema,
			Metadata:    h.Metadata,
			Causes:      causes,
			Ordering:    h.QoS.Ordering,
			Reliability: h.QoS.Reliability,
		}
	}
	return wf
}

// DecodeFragment parses raw (as produced by EncodeFragment) back into a
// FragmentedNotification. Parse failures are ProtocolError.
func DecodeFragment(raw []byte) (FragmentedNotification, error) {
	var zero FragmentedNotification
	if len(raw) < FramePrefixSize {
		return zero, fmt.Errorf("%w: fragment envelope too short (%d bytes)", ErrProtocolError, len(raw))
	}
	envelopeLen := binary.BigEndian.Uint32(raw[:FramePrefixSize])
	if int(envelopeLen) > len(raw)-FramePrefixSize {
		return zero, fmt.Errorf("%w: fragment envelope length %d exceeds payload size", ErrProtocolError, envelopeLen)
	}
	envelope := raw[FramePrefixSize : FramePrefixSize+int(envelopeLen)]
	data := raw[FramePrefixSize+int(envelopeLen):]

	var wf wireFragment
	if err := json.Unmarshal(envelope, &wf); err != nil {
		return zero, fmt.Errorf("%w: unmarshal fragment envelope: %v", ErrProtocolError, err)
	}

	senderID, err := parseUUID(wf.SenderID)
	if err != nil {
		return zero, fmt.Errorf("%w: fragment sender id: %v", ErrProtocolError, err)
	}

	if wf.NumDataParts == 0 {
		return zero, fmt.Errorf("%w: fragment declares zero data parts", ErrProtocolError)
	}
	if wf.DataPart >= wf.NumDataParts {
		return zero, fmt.Errorf("%w: fragment index %d out of range [0, %d)", ErrProtocolError, wf.DataPart, wf.NumDataParts)
	}
	if wf.DataPart == 0 && wf.Header == nil {
		return zero, fmt.Errorf("%w: fragment 0 is missing the notification header", ErrProtocolError)
	}

	fragment := FragmentedNotification{
		ID:           EventID{SenderID: senderID, Sequence: wf.Sequence},
		DataPart:     wf.DataPart,
		NumDataParts: wf.NumDataParts,
		Data:         data,
	}

	if wf.Header != nil {
		causes := make([]EventID, 0, len(wf.Header.Causes))
		for _, c := range wf.Header.Causes {
			id, err := parseEventID(c)
			if err != nil {
				return zero, fmt.Errorf("%w: fragment cause id: %v", ErrProtocolError, err)
			}
			causes = append(causes, id)
		}
		fragment.Header = &NotificationHeader{
			ID:         fragment.ID,
			Scope:      NewScope(wf.Header.Scope),
			WireSchema: wf.Header.WireSchema,
			Metadata:   wf.Header.Metadata,
			Causes:     causes,
			QoS:        QoS{Ordering: wf.Header.Ordering, Reliability: wf.Header.Reliability},
		}
	}

	return fragment, nil
}
