package pandabreath

import (
	"bufio"
	"bytes"
	"errors"
	"testing"
)

func TestRemainingLength_RoundTrip(t *testing.T) {
	tests := []struct {
		value    int
		wantSize int
	}{
		{0, 1},
		{127, 1},
		{128, 2},
		{16383, 2},
		{16384, 3},
		{2097151, 3},
		{2097152, 4},
		{MaxRemainingLength, 4},
	}

	for _, tt := range tests {
		enc, err := EncodeRemainingLength(tt.value)
		if err != nil {
			t.Fatalf("EncodeRemainingLength(%d) error = %v", tt.value, err)
		}
		if len(enc) != tt.wantSize {
			t.Errorf("EncodeRemainingLength(%d) used %d bytes, want %d", tt.value, len(enc), tt.wantSize)
		}

		got, err := DecodeRemainingLength(bytes.NewReader(enc))
		if err != nil {
			t.Fatalf("DecodeRemainingLength(% x) error = %v", enc, err)
		}
		if got != tt.value {
			t.Errorf("round trip of %d = %d", tt.value, got)
		}
	}
}

func TestEncodeRemainingLength_KnownBytes(t *testing.T) {
	tests := []struct {
		value int
		want  []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7F}},
		{128, []byte{0x80, 0x01}},
		{16383, []byte{0xFF, 0x7F}},
		{16384, []byte{0x80, 0x80, 0x01}},
		{2097151, []byte{0xFF, 0xFF, 0x7F}},
		{MaxRemainingLength, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}

	for _, tt := range tests {
		got, err := EncodeRemainingLength(tt.value)
		if err != nil {
			t.Fatalf("EncodeRemainingLength(%d) error = %v", tt.value, err)
		}
		if !bytes.Equal(got, tt.want) {
			t.Errorf("EncodeRemainingLength(%d) = % x, want % x", tt.value, got, tt.want)
		}
	}
}

func TestEncodeRemainingLength_OutOfRange(t *testing.T) {
	for _, n := range []int{-1, MaxRemainingLength + 1} {
		if _, err := EncodeRemainingLength(n); !errors.Is(err, ErrRemainingLength) {
			t.Errorf("EncodeRemainingLength(%d) error = %v, want ErrRemainingLength", n, err)
		}
	}
}

func TestDecodeRemainingLength_TooLong(t *testing.T) {
	_, err := DecodeRemainingLength(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01}))
	if !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("DecodeRemainingLength() error = %v, want ErrMalformedPacket", err)
	}
}

func TestEncodeConnect(t *testing.T) {
	clientID := "panda_breath_klipper"

	t.Run("anonymous", func(t *testing.T) {
		got, err := EncodeConnect(ConnectOptions{ClientID: clientID, KeepAlive: 60})
		if err != nil {
			t.Fatalf("EncodeConnect() error = %v", err)
		}

		want := []byte{0x10, byte(12 + len(clientID))}
		want = append(want, 0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, 0x02, 0x00, 0x3C)
		want = append(want, 0x00, byte(len(clientID)))
		want = append(want, clientID...)
		if !bytes.Equal(got, want) {
			t.Errorf("EncodeConnect() =\n% x\nwant\n% x", got, want)
		}
	})

	t.Run("username and password", func(t *testing.T) {
		got, err := EncodeConnect(ConnectOptions{ClientID: "c", KeepAlive: 30, Username: "u", Password: "pw"})
		if err != nil {
			t.Fatalf("EncodeConnect() error = %v", err)
		}
		want := []byte{
			0x10, 20,
			0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, 0xC2, 0x00, 0x1E,
			0x00, 0x01, 'c',
			0x00, 0x01, 'u',
			0x00, 0x02, 'p', 'w',
		}
		if !bytes.Equal(got, want) {
			t.Errorf("EncodeConnect() =\n% x\nwant\n% x", got, want)
		}
	})

	t.Run("password without username is not sent", func(t *testing.T) {
		got, err := EncodeConnect(ConnectOptions{ClientID: "c", KeepAlive: 60, Password: "pw"})
		if err != nil {
			t.Fatalf("EncodeConnect() error = %v", err)
		}
		if flags := got[9]; flags != flagCleanSession {
			t.Errorf("connect flags = %#x, want %#x", flags, flagCleanSession)
		}
		if len(got) != 2+13 {
			t.Errorf("packet length = %d, want %d", len(got), 2+13)
		}
	})
}

func TestEncodeSubscribe(t *testing.T) {
	topic := "panda-breath/sensor/chamber_temperature/state"
	got, err := EncodeSubscribe(1, topic)
	if err != nil {
		t.Fatalf("EncodeSubscribe() error = %v", err)
	}

	want := []byte{0x82, byte(2 + 2 + len(topic) + 1), 0x00, 0x01, 0x00, byte(len(topic))}
	want = append(want, topic...)
	want = append(want, 0x00)
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeSubscribe() =\n% x\nwant\n% x", got, want)
	}
}

func TestEncodePublish(t *testing.T) {
	got, err := EncodePublish("p/climate/chamber/mode/set", []byte("heat"))
	if err != nil {
		t.Fatalf("EncodePublish() error = %v", err)
	}
	want := []byte{0x30, 2 + 26 + 4, 0x00, 26}
	want = append(want, "p/climate/chamber/mode/set"...)
	want = append(want, "heat"...)
	if !bytes.Equal(got, want) {
		t.Errorf("EncodePublish() =\n% x\nwant\n% x", got, want)
	}
}

func TestControlPackets(t *testing.T) {
	if got := EncodePingreq(); !bytes.Equal(got, []byte{0xC0, 0x00}) {
		t.Errorf("EncodePingreq() = % x, want c0 00", got)
	}
	if got := EncodeDisconnect(); !bytes.Equal(got, []byte{0xE0, 0x00}) {
		t.Errorf("EncodeDisconnect() = % x, want e0 00", got)
	}
}

func TestReadPacket(t *testing.T) {
	pub, err := EncodePublish("a/b", []byte(" 23.5\n"))
	if err != nil {
		t.Fatalf("EncodePublish() error = %v", err)
	}
	stream := append(append([]byte{}, pub...), 0xD0, 0x00) // PUBLISH then PINGRESP
	br := bufio.NewReader(bytes.NewReader(stream))

	p, err := ReadPacket(br, DefaultMaxPacketBody)
	if err != nil {
		t.Fatalf("ReadPacket() error = %v", err)
	}
	if p.Type != PacketPublish {
		t.Errorf("Type = %d, want %d", p.Type, PacketPublish)
	}
	topic, payload, ok := ParsePublish(p.Flags, p.Body)
	if !ok || topic != "a/b" || string(payload) != "23.5" {
		t.Errorf("ParsePublish() = %q, %q, %v", topic, payload, ok)
	}

	p, err = ReadPacket(br, DefaultMaxPacketBody)
	if err != nil {
		t.Fatalf("ReadPacket() error = %v", err)
	}
	if p.Type != PacketPingresp || len(p.Body) != 0 {
		t.Errorf("second packet = %+v, want empty PINGRESP", p)
	}
}

func TestReadPacket_BodyLimit(t *testing.T) {
	wire := []byte{0x30, 0x80, 0x80, 0x80, 0x01} // 2 MiB body declared
	_, err := ReadPacket(bufio.NewReader(bytes.NewReader(wire)), DefaultMaxPacketBody)
	if !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("ReadPacket() error = %v, want ErrMalformedPacket", err)
	}
}

func TestParsePublish(t *testing.T) {
	qos1Body := []byte{0x00, 0x03, 'a', '/', 'b', 0x00, 0x07, '2', '1', '.', '0'}

	tests := []struct {
		name        string
		flags       byte
		body        []byte
		wantTopic   string
		wantPayload string
		wantOK      bool
	}{
		{
			name:        "qos 0",
			flags:       0x00,
			body:        []byte{0x00, 0x03, 'a', '/', 'b', '2', '1', '.', '0'},
			wantTopic:   "a/b",
			wantPayload: "21.0",
			wantOK:      true,
		},
		{
			name:        "qos 1 skips packet id",
			flags:       0x02,
			body:        qos1Body,
			wantTopic:   "a/b",
			wantPayload: "21.0",
			wantOK:      true,
		},
		{
			name:        "retain flag ignored",
			flags:       0x01,
			body:        []byte{0x00, 0x01, 't', ' ', '5', ' '},
			wantTopic:   "t",
			wantPayload: "5",
			wantOK:      true,
		},
		{
			name:   "too short",
			flags:  0x00,
			body:   []byte{0x00},
			wantOK: false,
		},
		{
			name:   "topic longer than body",
			flags:  0x00,
			body:   []byte{0x00, 0x09, 'a'},
			wantOK: false,
		},
		{
			name:   "qos 1 missing packet id",
			flags:  0x02,
			body:   []byte{0x00, 0x01, 'a', 0x00},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topic, payload, ok := ParsePublish(tt.flags, tt.body)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if topic != tt.wantTopic {
				t.Errorf("topic = %q, want %q", topic, tt.wantTopic)
			}
			if string(payload) != tt.wantPayload {
				t.Errorf("payload = %q, want %q", payload, tt.wantPayload)
			}
		})
	}
}

func TestTopics(t *testing.T) {
	if got := TemperatureStateTopic("panda-breath"); got != "panda-breath/sensor/chamber_temperature/state" {
		t.Errorf("TemperatureStateTopic() = %q", got)
	}
	if got := TargetSetTopic("panda-breath"); got != "panda-breath/climate/chamber/target_temperature/set" {
		t.Errorf("TargetSetTopic() = %q", got)
	}
	if got := ModeSetTopic("panda-breath"); got != "panda-breath/climate/chamber/mode/set" {
		t.Errorf("ModeSetTopic() = %q", got)
	}
}
