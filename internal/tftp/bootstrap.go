package tftp

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Direction of one transfer, seen from this engine: a read-direction
// session reads from local storage and sends DATA, a write-direction
// session receives DATA and writes to local storage.
type Direction uint8

const (
	ReadDirection Direction = iota
	WriteDirection
)

func (d Direction) String() string {
	if d == ReadDirection {
		return "read"
	}
	return "write"
}

// Origin records which side issued the initiating RRQ/WRQ. RemoteOrigin
// means a network client asked us; LocalOrigin means we initiated the
// transfer ourselves, as internal imaging operations do.
type Origin uint8

const (
	RemoteOrigin Origin = iota
	LocalOrigin
)

func (o Origin) String() string {
	if o == RemoteOrigin {
		return "remote"
	}
	return "local"
}

// negotiator wraps a transfer engine with the handshake that precedes
// the block exchange: option negotiation, OACK cycles and the
// origin-specific first-datagram rules. Methods require the session lock.
type negotiator interface {
	start()
	receive(dg Datagram)
	cancel()
}

// remoteNegotiator serves a transfer a network client initiated. It
// validates the requested options and either answers with an OACK kept
// on a retransmission cycle until the client's first substantive
// datagram, or, when no option survives validation, skips negotiation
// and proceeds with protocol defaults.
type remoteNegotiator struct {
	log       *log.Entry
	dir       Direction
	eng       engine
	requested Options
	accepted  Options
	// sourceSize resolves a tsize=0 probe on a read transfer.
	sourceSize func() (int64, bool)
	hs         repeater
}

func (n *remoteNegotiator) start() {
	n.accepted = acceptOptions(n.requested, n.sourceSize)
	n.hs.expire = n.timedOut
	if len(n.accepted) > 0 {
		b, err := (&OptionAck{Options: n.accepted}).Bytes()
		if err != nil {
			n.eng.terminate(StateErrored)
			return
		}
		n.hs.start(b)
		return
	}
	switch n.dir {
	case ReadDirection:
		// Nothing to negotiate: the first DATA opens the transfer and
		// its own retry cycle covers the handshake window.
		n.eng.start()
	case WriteDirection:
		// Nothing to negotiate: invite the first DATA with ACK(0),
		// retransmitted like an OACK would be.
		b, err := (&Ack{Block: 0}).Bytes()
		if err != nil {
			n.eng.terminate(StateErrored)
			return
		}
		n.hs.start(b)
	}
}

func (n *remoteNegotiator) receive(dg Datagram) {
	switch n.dir {
	case ReadDirection:
		// ACK(0) is the handshake acknowledgement only until the engine
		// runs; afterwards block 0 is a real block number again (the
		// sequence wraps past 65535) and the engine must see it.
		if ack, ok := dg.(*Ack); ok && ack.Block == 0 && !n.eng.started() {
			n.hs.cancel()
			applyOptions(n.eng, n.accepted)
			n.eng.start()
			return
		}
		if n.eng.started() {
			n.eng.receive(dg)
		}
	case WriteDirection:
		if data, ok := dg.(*Data); ok && !n.eng.started() {
			n.hs.cancel()
			if data.Block != 1 {
				n.log.WithField("block", data.Block).Warn("First DATA block out of sequence")
				if b, err := (&Error{Code: ErrCodeIllegalOp, Message: "block number out of sequence"}).Bytes(); err == nil {
					n.hs.send(b)
				}
				n.eng.terminate(StateErrored)
				return
			}
			// Staged options, tsize included, are applied only now
			// that the peer has demonstrably honored them.
			applyOptions(n.eng, n.accepted)
			n.eng.start()
			n.eng.receive(data)
			return
		}
		if n.eng.started() {
			n.eng.receive(dg)
		}
	}
}

func (n *remoteNegotiator) timedOut() {
	n.log.Warn("Timed out during option negotiation")
	n.eng.terminate(StateTimedOut)
}

func (n *remoteNegotiator) cancel() {
	n.hs.cancel()
	n.eng.terminate(StateErrored)
}

// localNegotiator drives a transfer we initiate: it sends the RRQ/WRQ
// itself, guards the reply window with a handshake watchdog, and applies
// whatever options the far end acknowledged. A far end that ignores the
// options simply answers with its first substantive datagram and the
// transfer proceeds on defaults.
type localNegotiator struct {
	log  *log.Entry
	dir  Direction
	eng  engine
	req  *Request
	send func([]byte)

	wd     watchdog
	wait   time.Duration
	staged Options
}

func (n *localNegotiator) start() {
	b, err := n.req.Bytes()
	if err != nil {
		n.eng.terminate(StateErrored)
		return
	}
	n.send(b)
	n.wd.arm(n.wait, n.timedOut)
}

func (n *localNegotiator) receive(dg Datagram) {
	// Any datagram that made it past decoding and TID checks means the
	// far end is alive.
	n.wd.cancel()
	switch n.dir {
	case WriteDirection: // we sent an RRQ and expect OACK or DATA(1)
		switch d := dg.(type) {
		case *OptionAck:
			if !n.eng.started() {
				n.staged = acceptOptions(d.Options, nil)
			}
			// A duplicate OACK after the transfer started means our
			// ACK(0) was lost; re-acknowledge and ignore the options.
			n.sendAck0()
		case *Data:
			if d.Block == 1 && !n.eng.started() {
				applyOptions(n.eng, n.staged)
				n.eng.start()
				n.eng.receive(d)
				return
			}
			if n.eng.started() {
				n.eng.receive(d)
			}
		default:
			if n.eng.started() {
				n.eng.receive(dg)
			}
		}
	case ReadDirection: // we sent a WRQ and expect OACK or ACK(0)
		switch d := dg.(type) {
		case *OptionAck:
			if !n.eng.started() {
				n.staged = acceptOptions(d.Options, nil)
				applyOptions(n.eng, n.staged)
				n.eng.start()
				return
			}
			n.log.Debug("Ignoring duplicate OACK")
		case *Ack:
			if d.Block == 0 && !n.eng.started() {
				n.eng.start()
				return
			}
			if n.eng.started() {
				n.eng.receive(d)
			}
		default:
			if n.eng.started() {
				n.eng.receive(dg)
			}
		}
	}
}

func (n *localNegotiator) sendAck0() {
	b, err := (&Ack{Block: 0}).Bytes()
	if err != nil {
		return
	}
	n.send(b)
}

func (n *localNegotiator) timedOut() {
	n.log.Warn("Timed out awaiting the handshake reply")
	n.eng.terminate(StateTimedOut)
}

func (n *localNegotiator) cancel() {
	n.wd.cancel()
	n.eng.terminate(StateErrored)
}
