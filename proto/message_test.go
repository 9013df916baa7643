package proto

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestParseLine_SmsReceived(t *testing.T) {
	payload := `{"id":"m1","sender":"+100","content":"hi","received_at":1700000000}`
	line := "m1:SMS_RECEIVED:" + b64(payload) + "\r\n"

	msg, ok := ParseLine(line)
	if !ok {
		t.Fatal("Expected line to parse")
	}
	if msg.Kind != KindSmsReceived {
		t.Errorf("Expected kind %s, got %s", KindSmsReceived, msg.Kind)
	}
	if msg.Id != "m1" {
		t.Errorf("Expected frame id m1, got %s", msg.Id)
	}
	if msg.Sms == nil {
		t.Fatal("Expected SMS payload to be set")
	}
	if msg.Sms.Sender != "+100" {
		t.Errorf("Expected sender +100, got %s", msg.Sms.Sender)
	}
	if msg.Sms.Content != "hi" {
		t.Errorf("Expected content hi, got %s", msg.Sms.Content)
	}
	if msg.Sms.ReceivedAt != 1700000000 {
		t.Errorf("Expected received_at 1700000000, got %d", msg.Sms.ReceivedAt)
	}
}

func TestParseLine_SmsDivergentIds(t *testing.T) {
	// The inner JSON id is advisory; both must survive parsing so the
	// caller can key storage and ACK on the frame id.
	payload := `{"id":"inner","sender":"+1","content":"x","received_at":1}`
	line := "outer:SMS_RECEIVED:" + b64(payload)

	msg, ok := ParseLine(line)
	if !ok {
		t.Fatal("Expected line to parse")
	}
	if msg.Id != "outer" {
		t.Errorf("Expected frame id outer, got %s", msg.Id)
	}
	if msg.Sms.Id != "inner" {
		t.Errorf("Expected payload id inner, got %s", msg.Sms.Id)
	}
}

func TestParseLine_DeviceInfo(t *testing.T) {
	// Handshake response used by the port prober (S1).
	msg, ok := ParseLine("abc-1:DEVICE_INFO:eyJpbWVpIjoiMSJ9\r\n")
	if !ok {
		t.Fatal("Expected line to parse")
	}
	if msg.Kind != KindDeviceInfo {
		t.Errorf("Expected kind %s, got %s", KindDeviceInfo, msg.Kind)
	}
	if msg.Device == nil || msg.Device.Imei != "1" {
		t.Errorf("Expected imei 1, got %+v", msg.Device)
	}
}

func TestParseLine_DeviceInfoFull(t *testing.T) {
	payload := `{"imei":"867329053867412","number":"+8613800138000","status":1,"rssi":-67,"iccid":"89860923","timestamp":1700000001}`
	msg, ok := ParseLine("d1:DEVICE_INFO:" + b64(payload))
	if !ok {
		t.Fatal("Expected line to parse")
	}
	if msg.Device.Rssi != -67 {
		t.Errorf("Expected rssi -67, got %d", msg.Device.Rssi)
	}
	if msg.Device.Status != 1 {
		t.Errorf("Expected status 1, got %d", msg.Device.Status)
	}
}

func TestParseLine_OpaqueKinds(t *testing.T) {
	tests := []struct {
		tag  string
		kind Kind
	}{
		{"SYSTEM_INIT", KindSystemInit},
		{"HEART_BEAT", KindHeartBeat},
	}
	for _, tt := range tests {
		line := "x1:" + tt.tag + ":" + b64(`{"uptime":42}`)
		msg, ok := ParseLine(line)
		if !ok {
			t.Fatalf("Expected %s line to parse", tt.tag)
		}
		if msg.Kind != tt.kind {
			t.Errorf("Expected kind %s, got %s", tt.kind, msg.Kind)
		}
		if !bytes.Equal(msg.Raw, []byte(`{"uptime":42}`)) {
			t.Errorf("Expected raw payload to be preserved, got %s", msg.Raw)
		}
	}
}

func TestParseLine_UnknownTypeIsNotAFailure(t *testing.T) {
	// S5: an unrecognized type tag decodes to KindUnknown, not a skip.
	msg, ok := ParseLine("x:FOO:AA==\r\n")
	if !ok {
		t.Fatal("Expected unknown type line to parse")
	}
	if msg.Kind != KindUnknown {
		t.Errorf("Expected kind %s, got %s", KindUnknown, msg.Kind)
	}
	if msg.TypeTag != "FOO" {
		t.Errorf("Expected type tag FOO, got %s", msg.TypeTag)
	}
}

func TestParseLine_Rejects(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"no colons", "garbage-no-colons\r\n"},
		{"one colon", "id:SMS_RECEIVED"},
		{"empty id", ":SMS_RECEIVED:" + b64("{}")},
		{"empty type", "id::" + b64("{}")},
		{"empty payload", "id:HEART_BEAT:"},
		{"bad base64", "id:HEART_BEAT:!!!not-base64!!!"},
		{"not utf8", "id:HEART_BEAT:" + base64.StdEncoding.EncodeToString([]byte{0xff, 0xfe})},
		{"not json", "id:HEART_BEAT:" + b64("not json")},
		{"wrong sms shape", "id:SMS_RECEIVED:" + b64(`{"id":"x","received_at":"not-a-number"}`)},
		{"wrong device shape", "id:DEVICE_INFO:" + b64(`{"status":"up"}`)},
		{"empty line", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if msg, ok := ParseLine(tt.line); ok {
				t.Errorf("Expected parse failure, got %+v", msg)
			}
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	lines := []string{
		"m1:SMS_RECEIVED:" + b64(`{"id":"m1","sender":"+100","content":"hi","received_at":1700000000}`) + "\r\n",
		"d1:DEVICE_INFO:" + b64(`{"imei":"1","number":"+2","status":0,"rssi":-50,"iccid":"3","timestamp":4}`) + "\r\n",
		"s1:SYSTEM_INIT:" + b64(`{"boot":1}`) + "\r\n",
		"h1:HEART_BEAT:" + b64(`{"seq":7}`) + "\r\n",
	}
	for _, line := range lines {
		msg, ok := ParseLine(line)
		if !ok {
			t.Fatalf("Expected line to parse: %s", line)
		}
		encoded, err := msg.Encode()
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		reparsed, ok := ParseLine(encoded)
		if !ok {
			t.Fatalf("Expected re-encoded line to parse: %s", encoded)
		}
		if reparsed.Id != msg.Id || reparsed.Kind != msg.Kind {
			t.Errorf("Round trip changed identity: %+v vs %+v", msg, reparsed)
		}
	}
}

func TestAckFrame(t *testing.T) {
	if got := AckFrame("m1"); got != "ACK:m1\r\n" {
		t.Errorf("Expected ACK:m1\\r\\n, got %q", got)
	}
}

func TestWriteAck(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteAck(&buf, "abc"); err != nil {
		t.Fatalf("WriteAck failed: %v", err)
	}
	if buf.String() != "ACK:abc\r\n" {
		t.Errorf("Expected ACK:abc\\r\\n, got %q", buf.String())
	}
}

func TestHandshakeCmd(t *testing.T) {
	if HandshakeCmd != "CMD:GET_DEVICE_INFO\r\n" {
		t.Errorf("Unexpected handshake command: %q", HandshakeCmd)
	}
}
