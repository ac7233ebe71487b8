package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/steveyegge/switchyard/internal/budget"
	"github.com/steveyegge/switchyard/internal/claims"
	"github.com/steveyegge/switchyard/internal/configfile"
	"github.com/steveyegge/switchyard/internal/conflict"
	"github.com/steveyegge/switchyard/internal/coordinator"
	"github.com/steveyegge/switchyard/internal/gitx"
	"github.com/steveyegge/switchyard/internal/logging"
	"github.com/steveyegge/switchyard/internal/mergewatch"
	"github.com/steveyegge/switchyard/internal/sandbox"
	"github.com/steveyegge/switchyard/internal/store"
	"github.com/steveyegge/switchyard/internal/telemetry"
	"github.com/steveyegge/switchyard/internal/types"
)

// Connection and request tunables; SWITCHYARD_DAEMON_MAX_CONNS and
// SWITCHYARD_DAEMON_REQUEST_TIMEOUT (seconds) override the defaults.
const (
	DefaultMaxConns       = 100
	DefaultRequestTimeout = 60 * time.Second

	// maxLineBytes bounds one request line; oversized requests error out
	// instead of silently truncating.
	maxLineBytes = 10 * 1024 * 1024
)

// Deps wires the managers the daemon dispatches into.
type Deps struct {
	Store     *store.Store
	Coord     *coordinator.Coordinator
	Sandboxes *sandbox.Controller
	Budgets   *budget.Manager
	Config    *configfile.File

	// Detector, when set, gets kicked after new subscriptions so the
	// first poll happens promptly.
	Detector *mergewatch.Detector

	Metrics *telemetry.Metrics
	Logger  *logging.Logger
	Version string
}

type handlerFunc func(ctx context.Context, req *Request) *Response

// Server answers requests on one per-repository Unix socket.
type Server struct {
	socketPath string
	deps       Deps
	claims     *claims.Manager
	log        *logging.Logger

	maxConns       int
	requestTimeout time.Duration

	handlers map[string]handlerFunc

	mu         sync.Mutex
	listener   net.Listener
	inShutdown bool
	startedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	conns  chan struct{}

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewServer builds a server on socketPath over the given managers.
func NewServer(socketPath string, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = logging.Nop()
	}
	s := &Server{
		socketPath:     socketPath,
		deps:           deps,
		claims:         deps.Coord.Claims(),
		log:            log.WithPrefix("rpc"),
		maxConns:       envInt("SWITCHYARD_DAEMON_MAX_CONNS", DefaultMaxConns),
		requestTimeout: envSeconds("SWITCHYARD_DAEMON_REQUEST_TIMEOUT", DefaultRequestTimeout),
		shutdownCh:     make(chan struct{}),
	}
	s.conns = make(chan struct{}, s.maxConns)
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.handlers = map[string]handlerFunc{
		OpRegister:  s.handleRegister,
		OpHeartbeat: s.handleHeartbeat,
		OpRelease:   s.handleRelease,
		OpStatus:    s.handleStatus,
		OpCleanup:   s.handleCleanup,

		OpClaimAcquire:  s.handleClaimAcquire,
		OpClaimList:     s.handleClaimList,
		OpClaimRelease:  s.handleClaimRelease,
		OpClaimEscalate: s.handleClaimEscalate,

		OpSubscribe: s.handleSubscribe,
		OpMerges:    s.handleMerges,

		OpConflictDetect:  s.handleConflictDetect,
		OpConflictSuggest: s.handleConflictSuggest,
		OpConflictApply:   s.handleConflictApply,

		OpSandboxCreate:   s.handleSandboxCreate,
		OpSandboxRun:      s.handleSandboxRun,
		OpSandboxUpload:   s.handleSandboxUpload,
		OpSandboxDownload: s.handleSandboxDownload,
		OpSandboxKill:     s.handleSandboxKill,
		OpSandboxList:     s.handleSandboxList,

		OpBudgetStatus: s.handleBudgetStatus,
		OpBudgetRecord: s.handleBudgetRecord,

		OpConfigGet: s.handleConfigGet,
		OpConfigSet: s.handleConfigSet,

		OpPing:     s.handlePing,
		OpShutdown: s.handleShutdown,
	}
}

// SocketPath returns the socket this server binds.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// ShutdownRequested is closed when a client asks the daemon to exit. The
// daemon loop selects on it alongside signals.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdownCh
}

func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// Start binds the socket and begins accepting connections. A stale
// socket left by a dead daemon is removed first; the flock singleton
// guard is what actually prevents two live daemons from racing here.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("server already started")
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := listenRPC(s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}

	s.listener = ln
	s.startedAt = time.Now()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.log.Infof("listening on %s", s.socketPath)
	return nil
}

// Stop closes the listener, waits for in-flight connections to drain,
// and removes the socket.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.inShutdown || s.listener == nil {
		s.mu.Unlock()
		return nil
	}
	s.inShutdown = true
	ln := s.listener
	s.mu.Unlock()

	s.cancel()
	_ = ln.Close()
	s.wg.Wait()

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	s.log.Infof("stopped")
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warnf("accept failed: %v", err)
			continue
		}

		select {
		case s.conns <- struct{}{}:
		case <-s.ctx.Done():
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.conns }()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection serves one client: requests in lines, responses in
// lines, strictly in order.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp *Response
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			resp = NewErrorResponse(fmt.Errorf("malformed request: %v: %w", err, types.ErrValidation))
		} else {
			resp = s.dispatch(&req)
		}
		if err := s.sendResponse(writer, resp); err != nil {
			s.log.Warnf("write response: %v", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debugf("connection read ended: %v", err)
	}
}

// dispatch runs one operation under the request timeout, wrapped in the
// telemetry span/counter pair when metrics are wired.
func (s *Server) dispatch(req *Request) *Response {
	handler, ok := s.handlers[req.Operation]
	if !ok {
		return NewErrorResponse(fmt.Errorf("unknown operation %q: %w", req.Operation, types.ErrValidation))
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.requestTimeout)
	defer cancel()

	if s.deps.Metrics == nil {
		return handler(ctx, req)
	}
	ctx, span, start := s.deps.Metrics.Op(ctx, req.Operation)
	resp := handler(ctx, req)
	var err error
	if !resp.Success {
		err = errors.New(resp.Error)
	}
	s.deps.Metrics.Done(ctx, span, req.Operation, start, err)
	return resp
}

func (s *Server) sendResponse(w *bufio.Writer, resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(NewErrorResponse(fmt.Errorf("encode response: %w", types.ErrInternal)))
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

// engine builds a conflict engine rooted at repoPath. Engines are cheap;
// one per request keeps the server stateless across repos.
func (s *Server) engine(repoPath string) *conflict.Engine {
	return conflict.NewEngine(gitx.New(repoPath), s.deps.Store, conflict.Options{Logger: s.log})
}

// unmarshalArgs decodes an op's args; malformed JSON is a validation
// failure. Absent args leave v at its zero value.
func unmarshalArgs(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid args: %v: %w", err, types.ErrValidation)
	}
	return nil
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envSeconds(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
