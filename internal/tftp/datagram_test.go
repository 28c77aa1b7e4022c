package tftp

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		dg   Datagram
	}{
		{
			name: "read request",
			dg:   &Request{Op: OpRRQ, Filename: "pxelinux.0", Mode: "octet"},
		},
		{
			name: "write request with options",
			dg: &Request{
				Op:       OpWRQ,
				Filename: "image.img",
				Mode:     "octet",
				Options: Options{
					{Name: "blksize", Value: "1468"},
					{Name: "tsize", Value: "331776"},
				},
			},
		},
		{
			name: "data",
			dg:   &Data{Block: 42, Payload: []byte("some payload")},
		},
		{
			name: "empty data",
			dg:   &Data{Block: 7, Payload: []byte{}},
		},
		{
			name: "ack",
			dg:   &Ack{Block: 65535},
		},
		{
			name: "error",
			dg:   &Error{Code: ErrCodeFileNotFound, Message: "no such file"},
		},
		{
			name: "oack",
			dg: &OptionAck{Options: Options{
				{Name: "timeout", Value: "5"},
				{Name: "blksize", Value: "512"},
			}},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, err := c.dg.Bytes()
			if err != nil {
				t.Fatalf("Bytes: %v", err)
			}
			got, err := Parse(b)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if diff := cmp.Diff(c.dg, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  []byte
	}{
		{name: "empty", raw: nil},
		{name: "one byte", raw: []byte{0}},
		{name: "unknown opcode", raw: []byte{0, 9, 0, 0}},
		{name: "request without fields", raw: []byte{0, 1}},
		{name: "request missing mode", raw: []byte{0, 1, 'f', 0}},
		{name: "request unterminated mode", raw: []byte{0, 1, 'f', 0, 'o', 'c', 't', 'e', 't'}},
		{name: "request odd option tokens", raw: []byte{0, 1, 'f', 0, 'm', 0, 'b', 'l', 'k', 's', 'i', 'z', 'e', 0}},
		{name: "data missing block", raw: []byte{0, 3, 0}},
		{name: "ack missing block", raw: []byte{0, 4}},
		{name: "error missing code", raw: []byte{0, 5, 0}},
		{name: "error code out of range", raw: []byte{0, 5, 0, 9, 'x', 0}},
		{name: "error message unterminated", raw: []byte{0, 5, 0, 1, 'o', 'o', 'p', 's'}},
		{name: "error without message field", raw: []byte{0, 5, 0, 1}},
		{name: "oack unterminated", raw: []byte{0, 6, 'b', 'l', 'k', 's', 'i', 'z', 'e', 0, '8'}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := Parse(c.raw); !errors.Is(err, ErrMalformedDatagram) {
				t.Errorf("Parse(%v) = %v, want ErrMalformedDatagram", c.raw, err)
			}
		})
	}
}

// Mode validation is a session concern; the decoder accepts any mode
// string.
func TestParseAcceptsUnknownMode(t *testing.T) {
	raw := []byte("\x00\x01config\x00mail\x00")
	dg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	req, ok := dg.(*Request)
	if !ok {
		t.Fatalf("Parse returned %T, want *Request", dg)
	}
	if req.Mode != "mail" {
		t.Errorf("Mode = %q, want %q", req.Mode, "mail")
	}
}

func TestParsePreservesOptionOrder(t *testing.T) {
	raw := []byte("\x00\x01f\x00octet\x00tsize\x000\x00blksize\x001428\x00timeout\x002\x00")
	dg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := Options{
		{Name: "tsize", Value: "0"},
		{Name: "blksize", Value: "1428"},
		{Name: "timeout", Value: "2"},
	}
	if diff := cmp.Diff(want, dg.(*Request).Options); diff != "" {
		t.Errorf("option order mismatch (-want +got):\n%s", diff)
	}
}

func TestDataBytesRejectsOversizedPayload(t *testing.T) {
	ok := &Data{Block: 1, Payload: bytes.Repeat([]byte{0xff}, MaxBlockSize)}
	if _, err := ok.Bytes(); err != nil {
		t.Fatalf("payload of MaxBlockSize bytes should encode: %v", err)
	}
	big := &Data{Block: 1, Payload: bytes.Repeat([]byte{0xff}, MaxBlockSize+1)}
	if _, err := big.Bytes(); !errors.Is(err, ErrBlockSizeExceeded) {
		t.Errorf("Bytes() = %v, want ErrBlockSizeExceeded", err)
	}
}

func TestOptionsGet(t *testing.T) {
	opts := Options{{Name: "blksize", Value: "1024"}}
	if v, ok := opts.Get("blksize"); !ok || v != "1024" {
		t.Errorf("Get(blksize) = %q, %v", v, ok)
	}
	if _, ok := opts.Get("tsize"); ok {
		t.Error("Get(tsize) found a missing option")
	}
}
