package proto

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"
	"unicode/utf8"
)

// HandshakeCmd is written to a port to elicit a DEVICE_INFO frame. It is
// used both when probing candidate ports and on entering the read loop.
const HandshakeCmd = "CMD:GET_DEVICE_INFO\r\n"

// Kind classifies a decoded frame.
type Kind string

const (
	KindDeviceInfo  Kind = "DEVICE_INFO"
	KindSmsReceived Kind = "SMS_RECEIVED"
	KindSystemInit  Kind = "SYSTEM_INIT"
	KindHeartBeat   Kind = "HEART_BEAT"
	KindUnknown     Kind = "UNKNOWN"
)

// SmsPayload is the JSON body of an SMS_RECEIVED frame. The Id here is
// advisory; the outer frame id is authoritative for storage and ACK.
type SmsPayload struct {
	Id         string          `json:"id"`
	Sender     string          `json:"sender"`
	Content    string          `json:"content"`
	ReceivedAt int64           `json:"received_at"`
	Metas      json.RawMessage `json:"metas,omitempty"`
}

// DeviceInfoPayload is the JSON body of a DEVICE_INFO frame. Not persisted.
type DeviceInfoPayload struct {
	Imei      string `json:"imei"`
	Number    string `json:"number"`
	Status    int32  `json:"status"`
	Rssi      int32  `json:"rssi"`
	Iccid     string `json:"iccid"`
	Timestamp int64  `json:"timestamp"`
}

// Message is one decoded frame. Exactly one of Sms, Device or Raw is set,
// depending on Kind. TypeTag preserves the wire token for unknown kinds.
type Message struct {
	Id      string
	Kind    Kind
	TypeTag string
	Sms     *SmsPayload
	Device  *DeviceInfoPayload
	Raw     json.RawMessage
}

// ParseLine decodes one wire frame of the form "<id>:<TYPE>:<base64>".
// Trailing CR/LF is tolerated. The first two colons split the frame; the
// remainder is the base64 payload (base64 never contains a colon).
//
// Returns false when the line has fewer than two separators, a field is
// empty, the base64 or UTF-8 decode fails, or the JSON does not match the
// shape of a recognized type. An unrecognized type token is NOT a failure:
// it yields a message with KindUnknown and the raw tag.
func ParseLine(line string) (*Message, bool) {
	line = strings.TrimRight(line, "\r\n")

	first := strings.IndexByte(line, ':')
	if first <= 0 {
		return nil, false
	}
	rest := line[first+1:]
	second := strings.IndexByte(rest, ':')
	if second <= 0 {
		return nil, false
	}

	id := line[:first]
	tag := rest[:second]
	encoded := rest[second+1:]
	if encoded == "" {
		return nil, false
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false
	}
	if !utf8.Valid(decoded) {
		return nil, false
	}

	msg := &Message{Id: id, TypeTag: tag}
	switch tag {
	case "DEVICE_INFO":
		var payload DeviceInfoPayload
		if err := json.Unmarshal(decoded, &payload); err != nil {
			return nil, false
		}
		msg.Kind = KindDeviceInfo
		msg.Device = &payload
	case "SMS_RECEIVED":
		var payload SmsPayload
		if err := json.Unmarshal(decoded, &payload); err != nil {
			return nil, false
		}
		msg.Kind = KindSmsReceived
		msg.Sms = &payload
	case "SYSTEM_INIT":
		if !json.Valid(decoded) {
			return nil, false
		}
		msg.Kind = KindSystemInit
		msg.Raw = decoded
	case "HEART_BEAT":
		if !json.Valid(decoded) {
			return nil, false
		}
		msg.Kind = KindHeartBeat
		msg.Raw = decoded
	default:
		msg.Kind = KindUnknown
	}
	return msg, true
}

// EncodeFrame builds a wire frame from its parts. Inverse of ParseLine for
// recognized types up to JSON canonicalization.
func EncodeFrame(id, tag string, payload []byte) string {
	return id + ":" + tag + ":" + base64.StdEncoding.EncodeToString(payload) + "\r\n"
}

// Encode re-serializes a decoded message back into its wire form.
func (m *Message) Encode() (string, error) {
	var payload []byte
	var err error
	switch m.Kind {
	case KindDeviceInfo:
		payload, err = json.Marshal(m.Device)
	case KindSmsReceived:
		payload, err = json.Marshal(m.Sms)
	default:
		payload = m.Raw
	}
	if err != nil {
		return "", err
	}
	return EncodeFrame(m.Id, m.TypeTag, payload), nil
}

// AckFrame is the host to device confirmation that the SMS with the given
// id has been durably stored.
func AckFrame(id string) string {
	return "ACK:" + id + "\r\n"
}

// WriteAck writes an ACK frame for id. The writer is expected to be the
// unbuffered transport write path so the bytes are on the wire when this
// returns.
func WriteAck(w io.Writer, id string) error {
	_, err := io.WriteString(w, AckFrame(id))
	return err
}
