package tftp

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kelindar/bitmap"
	log "github.com/sirupsen/logrus"

	"github.com/canonical/maas-sub017/internal/storage"
)

// ModeOctet is the only transfer mode this server supports; netascii
// and mail requests are refused.
const ModeOctet = "octet"

// ServerOptions configure the dispatcher.
type ServerOptions struct {
	// Address is the well-known endpoint requests arrive on.
	Address string
	// PortRangeMin/Max constrain the ephemeral ports sessions are bound
	// to, for deployments that firewall the transfer ports. Zero means
	// kernel-assigned.
	PortRangeMin int
	PortRangeMax int
	// Policy is the retry timeout policy new sessions start from.
	Policy []time.Duration
	Clock  clock.Clock
}

func NewDefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		Address: ":69",
		Policy:  defaultTimeoutPolicy,
		Clock:   clock.New(),
	}
}

func WithAddress(addr string) func(*ServerOptions) {
	return func(o *ServerOptions) { o.Address = addr }
}

func WithPortRange(min, max int) func(*ServerOptions) {
	return func(o *ServerOptions) { o.PortRangeMin, o.PortRangeMax = min, max }
}

func WithTimeoutPolicy(policy []time.Duration) func(*ServerOptions) {
	return func(o *ServerOptions) { o.Policy = policy }
}

func WithClock(clk clock.Clock) func(*ServerOptions) {
	return func(o *ServerOptions) { o.Clock = clk }
}

// Server demultiplexes the well-known TFTP port: every accepted RRQ/WRQ
// gets its own session host bound to a fresh local endpoint, and all
// further datagrams for that transfer arrive on that endpoint, not here.
type Server struct {
	options *ServerOptions
	backend storage.Backend
	ports   *portAllocator
	log     *log.Entry

	mu       sync.Mutex
	conn     *net.UDPConn
	sessions map[string]*SessionHost
	closed   bool
}

func NewServer(backend storage.Backend, opts ...func(*ServerOptions)) *Server {
	options := NewDefaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}
	s := &Server{
		options:  options,
		backend:  backend,
		sessions: make(map[string]*SessionHost),
		log:      log.WithField("component", "tftp-server"),
	}
	if options.PortRangeMin > 0 && options.PortRangeMax >= options.PortRangeMin {
		s.ports = newPortAllocator(options.PortRangeMin, options.PortRangeMax)
	}
	return s
}

// Listen binds the well-known socket.
func (s *Server) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", s.options.Address)
	if err != nil {
		return fmt.Errorf("resolving listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.log.WithField("address", conn.LocalAddr()).Info("Listening")
	return nil
}

// LocalAddr reports the bound well-known endpoint. Valid after Listen.
func (s *Server) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Serve accepts requests until the server is shut down. Listen must
// have succeeded first.
func (s *Server) Serve() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("server is not listening")
	}
	buf := make([]byte, maxDatagramSize+1)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("reading request socket: %w", err)
		}
		b := make([]byte, n)
		copy(b, buf[:n])
		s.handleRequest(b, from)
	}
}

// Shutdown closes the request socket and cancels every live session.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.conn != nil {
		s.conn.Close()
	}
	hosts := make([]*SessionHost, 0, len(s.sessions))
	for _, h := range s.sessions {
		hosts = append(hosts, h)
	}
	s.mu.Unlock()

	for _, h := range hosts {
		h.Cancel()
	}
}

func (s *Server) handleRequest(b []byte, from *net.UDPAddr) {
	dg, err := Parse(b)
	if err != nil {
		s.log.WithError(err).WithField("from", from).Warn("Dropping malformed datagram")
		return
	}
	req, ok := dg.(*Request)
	if !ok {
		s.log.WithFields(log.Fields{"from": from, "datagram": dg}).
			Warn("Dropping non-request datagram on the request port")
		return
	}
	logger := s.log.WithFields(log.Fields{
		"from":     from,
		"filename": req.Filename,
		"opcode":   req.Op,
	})
	if !strings.EqualFold(req.Mode, ModeOctet) {
		logger.WithField("mode", req.Mode).Warn("Refusing unsupported transfer mode")
		s.replyError(from, ErrCodeIllegalOp, fmt.Sprintf("unsupported mode %q", req.Mode))
		return
	}

	key := from.String()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, live := s.sessions[key]; live {
		s.mu.Unlock()
		logger.Warn("Dropping request from a peer with a live session")
		return
	}
	s.mu.Unlock()

	var (
		direction Direction
		reader    storage.Reader
		writer    storage.Writer
	)
	switch req.Op {
	case OpRRQ:
		direction = ReadDirection
		reader, err = s.backend.OpenRead(req.Filename)
	case OpWRQ:
		direction = WriteDirection
		writer, err = s.backend.OpenWrite(req.Filename)
	}
	if err != nil {
		logger.WithError(err).Warn("Backend refused the transfer")
		s.replyError(from, errorCodeFor(err), err.Error())
		return
	}

	conn, port, err := s.bindSessionSocket()
	if err != nil {
		logger.WithError(err).Error("Could not bind a session socket")
		s.replyError(from, ErrCodeUndefined, "no transfer port available")
		if reader != nil {
			reader.Close()
		}
		if writer != nil {
			writer.Abort()
		}
		return
	}

	host := newSessionHost(sessionParams{
		Origin:           RemoteOrigin,
		Direction:        direction,
		Peer:             from,
		Transport:        newUDPTransport(conn, from),
		Clock:            s.options.Clock,
		Policy:           s.options.Policy,
		Logger:           logger,
		RequestedOptions: req.Options,
		Reader:           reader,
		Writer:           writer,
		OnClose: func() {
			s.removeSession(key)
			if s.ports != nil && port != 0 {
				s.ports.release(port)
			}
		},
	})

	s.mu.Lock()
	s.sessions[key] = host
	s.mu.Unlock()

	host.Start()
	go readDatagrams(conn, host)
}

// bindSessionSocket opens the fresh local endpoint a new session will
// live on, constrained to the configured port range when one is set.
func (s *Server) bindSessionSocket() (*net.UDPConn, int, error) {
	laddr := &net.UDPAddr{}
	if local, ok := s.conn.LocalAddr().(*net.UDPAddr); ok {
		laddr.IP = local.IP
	}
	if s.ports == nil {
		conn, err := net.ListenUDP("udp", laddr)
		return conn, 0, err
	}
	attempts := s.ports.size()
	for i := 0; i < attempts; i++ {
		port, ok := s.ports.acquire()
		if !ok {
			break
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: laddr.IP, Port: port})
		if err == nil {
			return conn, port, nil
		}
		// Something else holds the port; put it back and move on.
		s.ports.release(port)
	}
	return nil, 0, errors.New("transfer port range exhausted")
}

func (s *Server) removeSession(key string) {
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
}

func (s *Server) replyError(to *net.UDPAddr, code ErrorCode, msg string) {
	b, err := (&Error{Code: code, Message: msg}).Bytes()
	if err != nil {
		return
	}
	if _, err := s.conn.WriteToUDP(b, to); err != nil {
		s.log.WithError(err).Warn("Could not send error reply")
	}
}

// readDatagrams pumps a session socket into its host until the socket
// is closed by session teardown.
func readDatagrams(conn *net.UDPConn, host *SessionHost) {
	buf := make([]byte, maxDatagramSize+1)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		b := make([]byte, n)
		copy(b, buf[:n])
		host.HandleDatagram(b, from)
	}
}

// portAllocator tracks which ports of a configured transfer range are
// in use, scanning round-robin so a just-released port is not reused
// immediately.
type portAllocator struct {
	mu     sync.Mutex
	min    int
	max    int
	cursor int
	used   bitmap.Bitmap
}

func newPortAllocator(min, max int) *portAllocator {
	return &portAllocator{min: min, max: max}
}

func (a *portAllocator) size() int {
	return a.max - a.min + 1
}

func (a *portAllocator) acquire() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.size()
	for i := 0; i < n; i++ {
		idx := uint32((a.cursor + i) % n)
		if !a.used.Contains(idx) {
			a.used.Set(idx)
			a.cursor = (int(idx) + 1) % n
			return a.min + int(idx), true
		}
	}
	return 0, false
}

func (a *portAllocator) release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if port < a.min || port > a.max {
		return
	}
	a.used.Remove(uint32(port - a.min))
}
