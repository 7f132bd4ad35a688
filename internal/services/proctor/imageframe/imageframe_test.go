package imageframe

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeLayout(t *testing.T) {
	frame, err := Encode("abc", []byte{0xff, 0xd8})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{0, 0, 0, 3, 'a', 'b', 'c', 0xff, 0xd8}
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame = %v, want %v", frame, want)
	}
}

func TestDecode(t *testing.T) {
	frame, _ := Encode("7f1c2d8e-session", []byte("jpeg-bytes"))
	sessionID, image, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sessionID != "7f1c2d8e-session" || string(image) != "jpeg-bytes" {
		t.Fatalf("decoded %q / %q", sessionID, image)
	}
}

func TestDecodeEmptyImage(t *testing.T) {
	frame, _ := Encode("s", nil)
	sessionID, image, err := Decode(frame)
	if err != nil || sessionID != "s" || len(image) != 0 {
		t.Fatalf("decode = %q, %v, %v", sessionID, image, err)
	}
}

func TestDecodeRejectsTruncatedFrames(t *testing.T) {
	for _, frame := range [][]byte{
		nil,
		{0, 0, 1},
		{0, 0, 0, 5, 'a', 'b'},
		{0xff, 0xff, 0xff, 0xff},
	} {
		if _, _, err := Decode(frame); !errors.Is(err, ErrShortFrame) {
			t.Errorf("Decode(%v) err = %v, want ErrShortFrame", frame, err)
		}
	}
}
