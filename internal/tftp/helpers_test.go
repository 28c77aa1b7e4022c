package tftp

import (
	"net"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
)

// fakeTransport records every datagram a session sends instead of
// touching the network.
type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	oob    []oobSend
	closed bool
}

type oobSend struct {
	payload []byte
	to      *net.UDPAddr
}

func (f *fakeTransport) Send(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := make([]byte, len(b))
	copy(c, b)
	f.sent = append(f.sent, c)
	return nil
}

func (f *fakeTransport) SendTo(b []byte, to *net.UDPAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := make([]byte, len(b))
	copy(c, b)
	f.oob = append(f.oob, oobSend{payload: c, to: to})
	return nil
}

func (f *fakeTransport) SetPeer(*net.UDPAddr) {}

func (f *fakeTransport) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6900}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// pop decodes and removes the oldest datagram sent by the session.
func (f *fakeTransport) pop(t *testing.T) Datagram {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("no datagram was sent")
	}
	b := f.sent[0]
	f.sent = f.sent[1:]
	dg, err := Parse(b)
	if err != nil {
		t.Fatalf("session sent an undecodable datagram: %v", err)
	}
	return dg
}

func (f *fakeTransport) assertQuiet(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) != 0 {
		t.Fatalf("expected no datagram, got %d", len(f.sent))
	}
}

// memReader serves a byte slice block by block.
type memReader struct {
	data      []byte
	off       int
	sizeKnown bool
	closed    bool
	readErr   error
}

func newMemReader(data []byte) *memReader {
	return &memReader{data: data, sizeKnown: true}
}

func (r *memReader) Read(max int) ([]byte, error) {
	if r.readErr != nil {
		return nil, r.readErr
	}
	if r.off >= len(r.data) {
		return []byte{}, nil
	}
	end := r.off + max
	if end > len(r.data) {
		end = len(r.data)
	}
	b := r.data[r.off:end]
	r.off = end
	return b, nil
}

func (r *memReader) Size() (int64, bool) {
	return int64(len(r.data)), r.sizeKnown
}

func (r *memReader) Close() error {
	r.closed = true
	return nil
}

// memWriter collects an upload in memory.
type memWriter struct {
	data     []byte
	finished bool
	aborted  bool
	writeErr error
}

func (w *memWriter) Write(p []byte) error {
	if w.writeErr != nil {
		return w.writeErr
	}
	w.data = append(w.data, p...)
	return nil
}

func (w *memWriter) Finish() error {
	w.finished = true
	return nil
}

func (w *memWriter) Abort() error {
	w.aborted = true
	return nil
}

var testPeer = &net.UDPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 2001}

// testHost bundles a session host with the fakes behind it.
type testHost struct {
	host *SessionHost
	tr   *fakeTransport
	clk  *clock.Mock
}

func newTestHost(p sessionParams) *testHost {
	tr := &fakeTransport{}
	clk := clock.NewMock()
	p.Transport = tr
	p.Clock = clk
	if p.Peer == nil {
		p.Peer = testPeer
	}
	if p.Logger == nil {
		logger := log.New()
		logger.SetLevel(log.PanicLevel)
		p.Logger = log.NewEntry(logger)
	}
	return &testHost{host: newSessionHost(p), tr: tr, clk: clk}
}

// deliver feeds dg to the host as if it arrived from the session peer.
func (th *testHost) deliver(t *testing.T, dg Datagram) {
	t.Helper()
	th.deliverFrom(t, dg, testPeer)
}

func (th *testHost) deliverFrom(t *testing.T, dg Datagram, from *net.UDPAddr) {
	t.Helper()
	b, err := dg.Bytes()
	if err != nil {
		t.Fatalf("encoding %v: %v", dg, err)
	}
	th.host.HandleDatagram(b, from)
}

func (th *testHost) assertDone(t *testing.T) {
	t.Helper()
	select {
	case <-th.host.Done():
	default:
		t.Fatal("session has not finished")
	}
}
