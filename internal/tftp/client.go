package tftp

import (
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/canonical/maas-sub017/internal/storage"
)

// ClientOptions configure transfers a client initiates.
type ClientOptions struct {
	// RequestOptions are negotiated with the server on every request,
	// e.g. blksize or tsize. The server may accept any subset.
	RequestOptions Options
	Policy         []time.Duration
	Clock          clock.Clock
}

func NewDefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		Policy: defaultTimeoutPolicy,
		Clock:  clock.New(),
	}
}

func WithRequestOptions(opts Options) func(*ClientOptions) {
	return func(o *ClientOptions) { o.RequestOptions = opts }
}

func WithClientTimeoutPolicy(policy []time.Duration) func(*ClientOptions) {
	return func(o *ClientOptions) { o.Policy = policy }
}

func WithClientClock(clk clock.Clock) func(*ClientOptions) {
	return func(o *ClientOptions) { o.Clock = clk }
}

// Client initiates transfers against a remote server's well-known port.
// Each transfer runs on its own local endpoint and blocks the caller
// until it reaches a terminal state.
type Client struct {
	options *ClientOptions
	log     *log.Entry
}

func NewClient(opts ...func(*ClientOptions)) *Client {
	options := NewDefaultClientOptions()
	for _, opt := range opts {
		opt(options)
	}
	return &Client{
		options: options,
		log:     log.WithField("component", "tftp-client"),
	}
}

// Get downloads filename from the server into w. The remote end sends
// DATA, so w receives the payload in block order; it is finished on
// success and aborted on failure.
func (c *Client) Get(server, filename string, w storage.Writer) error {
	req := &Request{
		Op:       OpRRQ,
		Filename: filename,
		Mode:     ModeOctet,
		Options:  c.options.RequestOptions,
	}
	return c.run(server, req, WriteDirection, nil, w)
}

// Put uploads r to the server as filename.
func (c *Client) Put(server, filename string, r storage.Reader) error {
	req := &Request{
		Op:       OpWRQ,
		Filename: filename,
		Mode:     ModeOctet,
		Options:  c.options.RequestOptions,
	}
	return c.run(server, req, ReadDirection, r, nil)
}

func (c *Client) run(server string, req *Request, dir Direction, r storage.Reader, w storage.Writer) error {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", server, err)
	}
	// Unconnected socket: the server answers from a fresh transfer port,
	// not the well-known one, and the first reply fixes the session TID.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("binding local socket: %w", err)
	}

	host := newSessionHost(sessionParams{
		Origin:    LocalOrigin,
		Direction: dir,
		Peer:      raddr,
		Transport: newUDPTransport(conn, raddr),
		Clock:     c.options.Clock,
		Policy:    c.options.Policy,
		Logger:    c.log.WithField("filename", req.Filename),
		Request:   req,
		Reader:    r,
		Writer:    w,
	})
	host.Start()
	go readDatagrams(conn, host)

	<-host.Done()
	return host.Err()
}
