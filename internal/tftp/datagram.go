package tftp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxBlockSize is the RFC 2348 ceiling for a negotiated block size.
const MaxBlockSize = 65464

// MinBlockSize is the RFC 2348 floor for a negotiated block size.
const MinBlockSize = 8

// DefaultBlockSize is the RFC 1350 block size used when the blksize
// option is absent or rejected.
const DefaultBlockSize = 512

// maxDatagramSize bounds any datagram we are willing to receive:
// opcode + block number + maximum payload.
const maxDatagramSize = 4 + MaxBlockSize

type Opcode uint16

const (
	OpRRQ Opcode = iota + 1
	OpWRQ
	OpDATA
	OpACK
	OpERROR
	OpOACK
)

func (o Opcode) String() string {
	switch o {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpDATA:
		return "DATA"
	case OpACK:
		return "ACK"
	case OpERROR:
		return "ERROR"
	case OpOACK:
		return "OACK"
	}
	return fmt.Sprintf("opcode(%d)", uint16(o))
}

type ErrorCode uint16

const (
	ErrCodeUndefined ErrorCode = iota
	ErrCodeFileNotFound
	ErrCodeAccessViolation
	ErrCodeDiskFull
	ErrCodeIllegalOp
	ErrCodeUnknownTID
	ErrCodeFileExists
	ErrCodeNoSuchUser
	ErrCodeOptionNegotiation
)

const maxErrorCode = ErrCodeOptionNegotiation

var (
	// ErrMalformedDatagram reports a datagram that cannot be decoded.
	ErrMalformedDatagram = errors.New("malformed datagram")
	// ErrBlockSizeExceeded reports an attempt to encode a DATA payload
	// larger than MaxBlockSize.
	ErrBlockSizeExceeded = errors.New("block size exceeded")
)

// Option is a single negotiated option. Options are kept as an ordered
// slice rather than a map: some clients key off the OACK echoing options
// in request order.
type Option struct {
	Name  string
	Value string
}

type Options []Option

// Get returns the value for name and whether it is present.
func (o Options) Get(name string) (string, bool) {
	for _, opt := range o {
		if opt.Name == name {
			return opt.Value, true
		}
	}
	return "", false
}

// Datagram is one of the six TFTP datagram types.
type Datagram interface {
	Opcode() Opcode
	// Bytes encodes the datagram to its wire form.
	Bytes() ([]byte, error)
}

// Request is an RRQ or WRQ datagram.
type Request struct {
	Op       Opcode // OpRRQ or OpWRQ
	Filename string
	Mode     string
	Options  Options
}

func (r *Request) Opcode() Opcode { return r.Op }

func (r *Request) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	writeOpcode(&buf, r.Op)
	buf.WriteString(r.Filename)
	buf.WriteByte(0)
	buf.WriteString(r.Mode)
	buf.WriteByte(0)
	writeOptions(&buf, r.Options)
	return buf.Bytes(), nil
}

func (r *Request) String() string {
	return fmt.Sprintf("%s{filename=%q mode=%q options=%v}", r.Op, r.Filename, r.Mode, r.Options)
}

// Data carries one block of transfer payload.
type Data struct {
	Block   uint16
	Payload []byte
}

func (d *Data) Opcode() Opcode { return OpDATA }

func (d *Data) Bytes() ([]byte, error) {
	if len(d.Payload) > MaxBlockSize {
		return nil, fmt.Errorf("%w: payload is %d bytes", ErrBlockSizeExceeded, len(d.Payload))
	}
	b := make([]byte, 4+len(d.Payload))
	binary.BigEndian.PutUint16(b[0:2], uint16(OpDATA))
	binary.BigEndian.PutUint16(b[2:4], d.Block)
	copy(b[4:], d.Payload)
	return b, nil
}

func (d *Data) String() string {
	return fmt.Sprintf("DATA{block=%d len=%d}", d.Block, len(d.Payload))
}

// Ack acknowledges one DATA block, or block 0 during the handshake.
type Ack struct {
	Block uint16
}

func (a *Ack) Opcode() Opcode { return OpACK }

func (a *Ack) Bytes() ([]byte, error) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], uint16(OpACK))
	binary.BigEndian.PutUint16(b[2:4], a.Block)
	return b, nil
}

func (a *Ack) String() string {
	return fmt.Sprintf("ACK{block=%d}", a.Block)
}

// Error terminates a transfer with a code and a human-readable message.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Opcode() Opcode { return OpERROR }

func (e *Error) Bytes() ([]byte, error) {
	b := make([]byte, 4+len(e.Message)+1)
	binary.BigEndian.PutUint16(b[0:2], uint16(OpERROR))
	binary.BigEndian.PutUint16(b[2:4], uint16(e.Code))
	copy(b[4:], e.Message)
	return b, nil
}

func (e *Error) String() string {
	return fmt.Sprintf("ERROR{code=%d message=%q}", e.Code, e.Message)
}

// OptionAck confirms the subset of requested options the sender honors.
type OptionAck struct {
	Options Options
}

func (o *OptionAck) Opcode() Opcode { return OpOACK }

func (o *OptionAck) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	writeOpcode(&buf, OpOACK)
	writeOptions(&buf, o.Options)
	return buf.Bytes(), nil
}

func (o *OptionAck) String() string {
	return fmt.Sprintf("OACK{options=%v}", o.Options)
}

func writeOpcode(buf *bytes.Buffer, op Opcode) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(op))
	buf.Write(b[:])
}

func writeOptions(buf *bytes.Buffer, opts Options) {
	for _, opt := range opts {
		buf.WriteString(opt.Name)
		buf.WriteByte(0)
		buf.WriteString(opt.Value)
		buf.WriteByte(0)
	}
}

// Parse decodes a raw UDP payload into a Datagram. It is pure and safe
// for concurrent use. Mode strings on RRQ/WRQ are not validated here;
// that is a session-layer concern.
func Parse(b []byte) (Datagram, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: short datagram (%d bytes)", ErrMalformedDatagram, len(b))
	}
	op := Opcode(binary.BigEndian.Uint16(b[0:2]))
	rest := b[2:]
	switch op {
	case OpRRQ, OpWRQ:
		return parseRequest(op, rest)
	case OpDATA:
		if len(rest) < 2 {
			return nil, fmt.Errorf("%w: DATA is missing a block number", ErrMalformedDatagram)
		}
		return &Data{
			Block:   binary.BigEndian.Uint16(rest[0:2]),
			Payload: rest[2:],
		}, nil
	case OpACK:
		if len(rest) < 2 {
			return nil, fmt.Errorf("%w: ACK is missing a block number", ErrMalformedDatagram)
		}
		return &Ack{Block: binary.BigEndian.Uint16(rest[0:2])}, nil
	case OpERROR:
		return parseError(rest)
	case OpOACK:
		opts, err := parseOptions(rest)
		if err != nil {
			return nil, err
		}
		return &OptionAck{Options: opts}, nil
	}
	return nil, fmt.Errorf("%w: unknown opcode %d", ErrMalformedDatagram, uint16(op))
}

func parseRequest(op Opcode, rest []byte) (*Request, error) {
	tokens, err := splitFields(rest)
	if err != nil {
		return nil, err
	}
	if len(tokens) < 2 {
		return nil, fmt.Errorf("%w: %s is missing filename or mode", ErrMalformedDatagram, op)
	}
	opts, err := pairOptions(tokens[2:])
	if err != nil {
		return nil, err
	}
	return &Request{
		Op:       op,
		Filename: tokens[0],
		Mode:     tokens[1],
		Options:  opts,
	}, nil
}

func parseError(rest []byte) (*Error, error) {
	if len(rest) < 2 {
		return nil, fmt.Errorf("%w: ERROR is missing a code", ErrMalformedDatagram)
	}
	code := ErrorCode(binary.BigEndian.Uint16(rest[0:2]))
	if code > maxErrorCode {
		return nil, fmt.Errorf("%w: ERROR code %d out of range", ErrMalformedDatagram, uint16(code))
	}
	msg := rest[2:]
	if len(msg) == 0 || msg[len(msg)-1] != 0 {
		return nil, fmt.Errorf("%w: ERROR message is not NUL-terminated", ErrMalformedDatagram)
	}
	return &Error{Code: code, Message: string(msg[:len(msg)-1])}, nil
}

func parseOptions(rest []byte) (Options, error) {
	if len(rest) == 0 {
		return nil, nil
	}
	tokens, err := splitFields(rest)
	if err != nil {
		return nil, err
	}
	return pairOptions(tokens)
}

// splitFields splits a run of NUL-terminated strings. The final byte
// must be a NUL or the run is unterminated.
func splitFields(b []byte) ([]string, error) {
	if len(b) == 0 || b[len(b)-1] != 0 {
		return nil, fmt.Errorf("%w: unterminated string field", ErrMalformedDatagram)
	}
	parts := bytes.Split(b[:len(b)-1], []byte{0})
	tokens := make([]string, len(parts))
	for i, p := range parts {
		tokens[i] = string(p)
	}
	return tokens, nil
}

func pairOptions(tokens []string) (Options, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	if len(tokens)%2 != 0 {
		return nil, fmt.Errorf("%w: odd number of option tokens", ErrMalformedDatagram)
	}
	opts := make(Options, 0, len(tokens)/2)
	for i := 0; i < len(tokens); i += 2 {
		opts = append(opts, Option{Name: tokens[i], Value: tokens[i+1]})
	}
	return opts, nil
}
