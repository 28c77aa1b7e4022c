package tftp

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/canonical/maas-sub017/internal/storage"
)

// State of one transfer engine. Done, Errored and TimedOut are terminal.
type State uint8

const (
	StateHandshake State = iota
	StateTransferring
	StateDone
	StateErrored
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateTransferring:
		return "transferring"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	case StateTimedOut:
		return "timed out"
	}
	return "unknown"
}

func (s State) terminal() bool {
	return s == StateDone || s == StateErrored || s == StateTimedOut
}

// errorCodeFor maps a storage failure onto the TFTP error code reported
// to the peer.
func errorCodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ErrCodeFileNotFound
	case errors.Is(err, storage.ErrAccessDenied):
		return ErrCodeAccessViolation
	case errors.Is(err, storage.ErrExists):
		return ErrCodeFileExists
	case errors.Is(err, storage.ErrNoSpace):
		return ErrCodeDiskFull
	}
	return ErrCodeUndefined
}

// engine is the direction-independent face of a transfer state machine.
// The bootstrap drives it: options are applied before start, datagrams
// are delivered after. All methods require the session lock.
type engine interface {
	start()
	receive(dg Datagram)
	started() bool
	currentState() State
	// terminate moves the engine to a terminal state, stopping timers
	// and releasing the storage collaborator. Idempotent.
	terminate(st State)

	setBlockSize(int)
	setTimeoutPolicy([]time.Duration)
	setTransferSize(int64)
}

// engineCore carries what both directions share: negotiated parameters,
// the retry timer, and the teardown hook back into the session host.
type engineCore struct {
	log  *log.Entry
	send func([]byte)
	// finished is invoked exactly once, with the lock held, when the
	// engine reaches a terminal state.
	finished func(State)

	blockSize int
	policy    []time.Duration
	tsize     int64
	tsizeSet  bool

	state State
	retry repeater
}

func newEngineCore(clk clock.Clock, mu *sync.Mutex, logger *log.Entry, send func([]byte), finished func(State)) engineCore {
	return engineCore{
		log:       logger,
		send:      send,
		finished:  finished,
		blockSize: DefaultBlockSize,
		policy:    defaultTimeoutPolicy,
		retry: repeater{
			wd:   watchdog{clk: clk, mu: mu},
			send: send,
		},
	}
}

func (c *engineCore) setBlockSize(n int)                  { c.blockSize = n }
func (c *engineCore) setTimeoutPolicy(p []time.Duration)  { c.policy = p }
func (c *engineCore) setTransferSize(n int64)             { c.tsize = n; c.tsizeSet = true }
func (c *engineCore) currentState() State                 { return c.state }
func (c *engineCore) started() bool                       { return c.state != StateHandshake }

// transferSize reports the negotiated tsize option, if one was applied.
func (c *engineCore) transferSize() (int64, bool) {
	return c.tsize, c.tsizeSet
}

func (c *engineCore) sendError(code ErrorCode, msg string) {
	b, err := (&Error{Code: code, Message: msg}).Bytes()
	if err != nil {
		return
	}
	c.send(b)
}

// readEngine sends DATA and consumes ACKs. Block numbers start at 1 and
// wrap modulo 65536; the transfer ends when a block shorter than the
// block size has been acknowledged.
type readEngine struct {
	engineCore
	reader storage.Reader

	block    uint16
	lastLen  int
	released bool
}

func newReadEngine(core engineCore, reader storage.Reader) *readEngine {
	e := &readEngine{engineCore: core, reader: reader}
	e.retry.expire = e.timedOut
	return e
}

func (e *readEngine) start() {
	if e.state != StateHandshake {
		return
	}
	e.state = StateTransferring
	e.retry.policy = e.policy
	e.nextBlock()
}

// nextBlock fetches up to blockSize bytes, advances the block number
// and puts the DATA datagram on the retransmission cycle.
func (e *readEngine) nextBlock() {
	data, err := e.reader.Read(e.blockSize)
	if err != nil {
		e.log.WithError(err).Error("Reading transfer source failed")
		e.sendError(errorCodeFor(err), err.Error())
		e.terminate(StateErrored)
		return
	}
	e.block++
	e.lastLen = len(data)
	b, err := (&Data{Block: e.block, Payload: data}).Bytes()
	if err != nil {
		e.sendError(ErrCodeUndefined, err.Error())
		e.terminate(StateErrored)
		return
	}
	e.retry.start(b)
}

func (e *readEngine) receive(dg Datagram) {
	if e.state != StateTransferring {
		return
	}
	ack, ok := dg.(*Ack)
	if !ok {
		e.log.WithField("datagram", dg).Debug("Ignoring unexpected datagram")
		return
	}
	// Anything but the outstanding block number is a duplicate or
	// reordering artifact; it must not disturb the retry timer.
	if ack.Block != e.block {
		e.log.WithFields(log.Fields{"expected": e.block, "received": ack.Block}).
			Debug("Ignoring stale ACK")
		return
	}
	e.retry.cancel()
	if e.lastLen < e.blockSize {
		e.terminate(StateDone)
		return
	}
	e.nextBlock()
}

func (e *readEngine) timedOut() {
	e.log.Warn("Transfer timed out awaiting ACK")
	e.terminate(StateTimedOut)
}

func (e *readEngine) terminate(st State) {
	if e.state.terminal() {
		return
	}
	e.state = st
	e.retry.cancel()
	if !e.released {
		e.released = true
		if err := e.reader.Close(); err != nil {
			e.log.WithError(err).Warn("Closing transfer source failed")
		}
	}
	e.finished(st)
}

// writeEngine consumes DATA and answers with ACKs. A retransmitted
// DATA for the block just acknowledged is re-ACKed without touching the
// writer; any other unexpected block number is a protocol violation.
type writeEngine struct {
	engineCore
	writer storage.Writer

	block     uint16 // last block written and acknowledged
	lastAck   []byte
	finalized bool
	released  bool
}

func newWriteEngine(core engineCore, writer storage.Writer) *writeEngine {
	e := &writeEngine{engineCore: core, writer: writer}
	e.retry.expire = e.timedOut
	return e
}

func (e *writeEngine) start() {
	if e.state != StateHandshake {
		return
	}
	e.state = StateTransferring
	e.retry.policy = e.policy
}

func (e *writeEngine) receive(dg Datagram) {
	if e.state != StateTransferring {
		return
	}
	data, ok := dg.(*Data)
	if !ok {
		e.log.WithField("datagram", dg).Debug("Ignoring unexpected datagram")
		return
	}
	switch data.Block {
	case e.block + 1:
		e.acceptBlock(data)
	case e.block:
		// The peer retransmitted because our ACK was lost; answer
		// again without writing the data twice.
		if e.lastAck != nil {
			e.send(e.lastAck)
		}
	default:
		e.log.WithFields(log.Fields{"expected": e.block + 1, "received": data.Block}).
			Warn("DATA block out of sequence")
		e.sendError(ErrCodeIllegalOp, "block number out of sequence")
		e.terminate(StateErrored)
	}
}

func (e *writeEngine) acceptBlock(data *Data) {
	if err := e.writer.Write(data.Payload); err != nil {
		e.log.WithError(err).Error("Writing transfer data failed")
		e.sendError(errorCodeFor(err), err.Error())
		e.terminate(StateErrored)
		return
	}
	e.block = data.Block
	ack, err := (&Ack{Block: e.block}).Bytes()
	if err != nil {
		e.terminate(StateErrored)
		return
	}
	e.lastAck = ack
	if len(data.Payload) < e.blockSize {
		// Short block: the transfer is complete once the writer has
		// flushed and committed.
		if err := e.writer.Finish(); err != nil {
			e.log.WithError(err).Error("Finalizing transfer failed")
			e.sendError(errorCodeFor(err), err.Error())
			e.terminate(StateErrored)
			return
		}
		e.finalized = true
		e.send(ack)
		e.terminate(StateDone)
		return
	}
	// The ACK cycle doubles as the inter-block silence timeout.
	e.retry.start(ack)
}

func (e *writeEngine) timedOut() {
	e.log.Warn("Transfer timed out awaiting DATA")
	e.terminate(StateTimedOut)
}

func (e *writeEngine) terminate(st State) {
	if e.state.terminal() {
		return
	}
	e.state = st
	e.retry.cancel()
	if !e.released {
		e.released = true
		if !e.finalized {
			if err := e.writer.Abort(); err != nil {
				e.log.WithError(err).Warn("Aborting transfer sink failed")
			}
		}
	}
	e.finished(st)
}
