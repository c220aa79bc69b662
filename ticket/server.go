package ticket

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Operation names carried in request frames.
const (
	opRequestTicketGrantingTicket = "request_ticket_granting_ticket"
	opRequestClientServerTicket   = "request_client_server_ticket"
	opValidateClientServerTicket  = "validate_client_server_ticket"
	opChangeCredentials           = "change_credentials"
	opRegister                    = "register"
	opSetAdministrator            = "set_administrator"
	opRegisterClient              = "register_client"
	opInRegistrationMode          = "in_registration_mode"
)

// maxFrameSize bounds a single request or response frame.
const maxFrameSize = 1 << 20

// request is one framed call: the operation name and the CBOR-encoded
// operation body.
type request struct {
	Op   string `cbor:"op"`
	Body []byte `cbor:"body,omitempty"`
}

// response answers one request. On failure, Code carries the taxonomy
// wire code and Err a message safe to show remote callers.
type response struct {
	OK   bool   `cbor:"ok"`
	Code string `cbor:"code,omitempty"`
	Err  string `cbor:"err,omitempty"`
	Body []byte `cbor:"body,omitempty"`
}

// ServerConfig configures the transport front.
type ServerConfig struct {
	// ListenAddr is the TCP address to listen on (default ":4720").
	ListenAddr string

	// Service handles the requests, usually an *Engine.
	Service Service

	// Workers bounds how many requests are processed concurrently
	// across all connections (default 16).
	Workers int

	// Logger for debug output. If nil, logs are discarded.
	Logger *log.Logger
}

// Server exposes a Service over TCP. Frames are 4-byte big-endian
// length prefixed CBOR. Each incoming request is dispatched onto a
// shared bounded worker pool; requests have no ordering guarantee
// relative to each other.
type Server struct {
	config   ServerConfig
	listener net.Listener

	// workers is the pool semaphore: one slot per in-flight request.
	workers chan struct{}

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup

	ready chan struct{} // closed when the listener is ready
	done  chan struct{} // closed when fully stopped
}

// NewServer creates a server for the given configuration.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("service is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":4720"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	return &Server{
		config:  cfg,
		workers: make(chan struct{}, cfg.Workers),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start starts the server in the background. It stops when ctx is
// cancelled; use Wait to block until fully stopped and Ready for a
// channel that closes once connections are accepted.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = listener
	s.running = true

	s.wg.Add(1)
	go s.serve()
	go s.watchContext(ctx)

	s.log("authentication server started on %s", listener.Addr())
	close(s.ready)
	return nil
}

func (s *Server) watchContext(ctx context.Context) {
	<-ctx.Done()
	s.stop()
}

func (s *Server) stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.listener.Close()
	s.wg.Wait()
	s.log("authentication server stopped")
	close(s.done)
}

// Wait blocks until the server has fully stopped.
func (s *Server) Wait() { <-s.done }

// Done returns a channel that closes when the server has fully
// stopped.
func (s *Server) Done() <-chan struct{} { return s.done }

// Ready blocks until the server accepts connections or ctx is
// cancelled.
func (s *Server) Ready(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the actual listen address, useful with port 0.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.ListenAddr
}

func (s *Server) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isRunning() {
				s.log("accept error: %v", err)
			}
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	for {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		frame, err := readFrame(conn)
		if err != nil {
			if err != io.EOF && s.isRunning() {
				s.log("read from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		// Take a worker slot for the duration of the request so total
		// concurrency stays bounded across connections.
		s.workers <- struct{}{}
		resp := s.handleRequest(frame)
		<-s.workers

		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := writeFrame(conn, resp); err != nil {
			s.log("write to %s: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

func (s *Server) handleRequest(frame []byte) []byte {
	var req request
	if err := cbor.Unmarshal(frame, &req); err != nil {
		return mustEncodeResponse(response{OK: false, Code: codeInternal, Err: "malformed request"})
	}

	body, err := s.dispatch(req)
	if err != nil {
		code := errorCode(err)
		message := err.Error()
		if code == codeInternal {
			// Do not leak internal detail to remote callers.
			s.log("%s failed: %v", req.Op, err)
			message = ErrInternal.Error()
		}
		return mustEncodeResponse(response{OK: false, Code: code, Err: message})
	}
	return mustEncodeResponse(response{OK: true, Body: body})
}

func (s *Server) dispatch(req request) ([]byte, error) {
	switch req.Op {
	case opRequestTicketGrantingTicket:
		var identity string
		if err := cbor.Unmarshal(req.Body, &identity); err != nil {
			return nil, fmt.Errorf("%w: malformed body", ErrInternal)
		}
		result, err := s.config.Service.RequestTicketGrantingTicket(identity)
		if err != nil {
			return nil, err
		}
		return encMode.Marshal(result)

	case opRequestClientServerTicket:
		var wrapper TicketAuthenticator
		if err := cbor.Unmarshal(req.Body, &wrapper); err != nil {
			return nil, fmt.Errorf("%w: malformed body", ErrInternal)
		}
		result, err := s.config.Service.RequestClientServerTicket(wrapper)
		if err != nil {
			return nil, err
		}
		return encMode.Marshal(result)

	case opValidateClientServerTicket:
		var wrapper TicketAuthenticator
		if err := cbor.Unmarshal(req.Body, &wrapper); err != nil {
			return nil, fmt.Errorf("%w: malformed body", ErrInternal)
		}
		result, err := s.config.Service.ValidateClientServerTicket(wrapper)
		if err != nil {
			return nil, err
		}
		return encMode.Marshal(result)

	case opChangeCredentials, opRegister, opSetAdministrator:
		var change CredentialChange
		if err := cbor.Unmarshal(req.Body, &change); err != nil {
			return nil, fmt.Errorf("%w: malformed body", ErrInternal)
		}
		var result TicketAuthenticator
		var err error
		switch req.Op {
		case opChangeCredentials:
			result, err = s.config.Service.ChangeCredentials(change)
		case opRegister:
			result, err = s.config.Service.Register(change)
		case opSetAdministrator:
			result, err = s.config.Service.SetAdministrator(change)
		}
		if err != nil {
			return nil, err
		}
		return encMode.Marshal(result)

	case opRegisterClient:
		var change CredentialChange
		if err := cbor.Unmarshal(req.Body, &change); err != nil {
			return nil, fmt.Errorf("%w: malformed body", ErrInternal)
		}
		if err := s.config.Service.RegisterClient(change); err != nil {
			return nil, err
		}
		return nil, nil

	case opInRegistrationMode:
		open, err := s.config.Service.InRegistrationMode()
		if err != nil {
			return nil, err
		}
		return encMode.Marshal(open)

	default:
		return nil, fmt.Errorf("%w: unsupported operation %q", ErrInternal, req.Op)
	}
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) log(format string, args ...any) {
	if s.config.Logger != nil {
		s.config.Logger.Printf("[server] "+format, args...)
	}
}

func mustEncodeResponse(resp response) []byte {
	data, err := encMode.Marshal(resp)
	if err != nil {
		// The response struct contains only bytes and strings; this
		// cannot fail on valid inputs.
		panic("ticket: encode response: " + err.Error())
	}
	return data
}

// readFrame reads one 4-byte big-endian length-prefixed frame.
func readFrame(conn net.Conn) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf)
	if frameLen == 0 || frameLen > maxFrameSize {
		return nil, fmt.Errorf("frame length %d out of range", frameLen)
	}
	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(conn, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// writeFrame writes one length-prefixed frame.
func writeFrame(conn net.Conn, frame []byte) error {
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(frame)))
	if _, err := conn.Write(lenBuf); err != nil {
		return err
	}
	_, err := conn.Write(frame)
	return err
}
