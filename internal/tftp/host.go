package tftp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/canonical/maas-sub017/internal/storage"
)

// sessionParams collects everything needed to assemble one transfer
// session: the negotiator origin and engine direction, the storage
// collaborator for that direction, and the transport the session owns.
type sessionParams struct {
	Origin    Origin
	Direction Direction
	// Peer is the request's source for RemoteOrigin (the TID), or the
	// server's well-known endpoint for LocalOrigin (the real TID is
	// fixed by the first datagram the far end sends back).
	Peer      *net.UDPAddr
	Transport Transport
	Clock     clock.Clock
	Policy    []time.Duration
	Logger    *log.Entry
	// OnClose is invoked once, after the session reached a terminal
	// state and its transport is closed.
	OnClose func()

	// RequestedOptions carries the options of the triggering RRQ/WRQ
	// (RemoteOrigin only).
	RequestedOptions Options
	// Request is the RRQ/WRQ we initiate with (LocalOrigin only).
	Request *Request

	Reader storage.Reader // ReadDirection
	Writer storage.Writer // WriteDirection
}

// SessionHost is the per-transfer actor. It owns one UDP 2-tuple,
// serializes datagram delivery and timer fires under one lock, polices
// the peer TID, and tears the session down exactly once.
type SessionHost struct {
	mu sync.Mutex

	tr      Transport
	log     *log.Entry
	boot    negotiator
	eng     engine
	onClose func()

	peer     *net.UDPAddr
	tidFixed bool

	closed bool
	err    error
	done   chan struct{}
}

func newSessionHost(p sessionParams) *SessionHost {
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	if p.Policy == nil {
		p.Policy = defaultTimeoutPolicy
	}
	if p.Logger == nil {
		p.Logger = log.NewEntry(log.StandardLogger())
	}
	h := &SessionHost{
		tr:       p.Transport,
		onClose:  p.OnClose,
		peer:     p.Peer,
		tidFixed: p.Origin == RemoteOrigin,
		done:     make(chan struct{}),
	}
	h.log = p.Logger.WithFields(log.Fields{
		"peer":      p.Peer,
		"direction": p.Direction,
		"origin":    p.Origin,
	})

	core := newEngineCore(p.Clock, &h.mu, h.log, h.sendToPeer, h.finished)
	core.policy = p.Policy
	switch p.Direction {
	case ReadDirection:
		h.eng = newReadEngine(core, p.Reader)
	case WriteDirection:
		h.eng = newWriteEngine(core, p.Writer)
	}

	switch p.Origin {
	case RemoteOrigin:
		n := &remoteNegotiator{
			log:       h.log,
			dir:       p.Direction,
			eng:       h.eng,
			requested: p.RequestedOptions,
			hs: repeater{
				wd:     watchdog{clk: p.Clock, mu: &h.mu},
				policy: p.Policy,
				send:   h.sendToPeer,
			},
		}
		if p.Direction == ReadDirection && p.Reader != nil {
			n.sourceSize = p.Reader.Size
		}
		h.boot = n
	case LocalOrigin:
		wait := time.Duration(0)
		for _, d := range p.Policy {
			wait += d
		}
		h.boot = &localNegotiator{
			log:  h.log,
			dir:  p.Direction,
			eng:  h.eng,
			req:  p.Request,
			send: h.sendToPeer,
			wd:   watchdog{clk: p.Clock, mu: &h.mu},
			wait: wait,
		}
	}
	return h
}

// Start kicks off the handshake: the OACK/ACK(0) cycle or the first
// DATA for RemoteOrigin, the initiating RRQ/WRQ plus handshake watchdog
// for LocalOrigin.
func (h *SessionHost) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.log.Info("Session starting")
	h.boot.start()
}

// HandleDatagram feeds one received datagram into the session.
// Datagrams from a source other than the fixed TID are answered with
// ERROR(unknown TID) toward that source and do not touch session state;
// undecodable datagrams are dropped as if they had never arrived.
func (h *SessionHost) HandleDatagram(b []byte, from *net.UDPAddr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if h.tidFixed && !sameEndpoint(h.peer, from) {
		h.log.WithField("from", from).Warn("Datagram from unknown TID")
		if eb, err := (&Error{Code: ErrCodeUnknownTID, Message: "unknown transfer ID"}).Bytes(); err == nil {
			if err := h.tr.SendTo(eb, from); err != nil {
				h.log.WithError(err).Warn("Could not send unknown-TID error")
			}
		}
		return
	}
	dg, err := Parse(b)
	if err != nil {
		h.log.WithError(err).Warn("Dropping malformed datagram")
		return
	}
	if !h.tidFixed {
		h.peer = from
		h.tidFixed = true
		h.tr.SetPeer(from)
		h.log = h.log.WithField("tid", from.String())
	}
	if e, ok := dg.(*Error); ok {
		h.log.WithFields(log.Fields{"code": e.Code, "message": e.Message}).
			Warn("Peer reported an error")
		h.boot.cancel()
		return
	}
	h.boot.receive(dg)
}

// Cancel tears the session down from outside. Safe in any state and
// idempotent; afterwards no timer fires and nothing further is sent.
func (h *SessionHost) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.boot.cancel()
}

// Done is closed once the session reached a terminal state and released
// its resources.
func (h *SessionHost) Done() <-chan struct{} {
	return h.done
}

// Err reports how the session ended; nil after a completed transfer.
// Only valid after Done is closed.
func (h *SessionHost) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// State reports the transfer engine's current state.
func (h *SessionHost) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.eng.currentState()
}

func (h *SessionHost) sendToPeer(b []byte) {
	if err := h.tr.Send(b); err != nil {
		h.log.WithError(err).Warn("Could not send datagram")
	}
}

// finished is the engine's teardown hook; it runs with the lock held,
// exactly once.
func (h *SessionHost) finished(st State) {
	if h.closed {
		return
	}
	h.closed = true
	if st != StateDone {
		h.err = fmt.Errorf("session %s", st)
	}
	if err := h.tr.Close(); err != nil {
		h.log.WithError(err).Warn("Could not close session transport")
	}
	h.log.WithField("state", st).Info("Session finished")
	if h.onClose != nil {
		h.onClose()
	}
	close(h.done)
}

func sameEndpoint(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}
