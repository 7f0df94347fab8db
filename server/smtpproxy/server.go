package smtpproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/migadu/xoauth2-proxy/config"
	"github.com/migadu/xoauth2-proxy/logger"
	"github.com/migadu/xoauth2-proxy/pkg/metrics"
	"github.com/migadu/xoauth2-proxy/server"
)

// Mode selects how a listener treats the client transport.
type Mode string

const (
	// ModeSecured serves plaintext that is already protected, for example
	// behind a TLS-terminating load balancer.
	ModeSecured Mode = "smtp"
	// ModeImplicitTLS performs the TLS handshake right after accept.
	ModeImplicitTLS Mode = "smtps"
	// ModeStartTLS serves plaintext and requires STARTTLS before AUTH.
	ModeStartTLS Mode = "starttls"
	// ModeAuto picks implicit TLS or STARTTLS from the first client byte.
	ModeAuto Mode = "auto"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeSecured, ModeImplicitTLS, ModeStartTLS, ModeAuto:
		return m, nil
	}
	return "", fmt.Errorf("unknown server type %q", s)
}

// RequiresTLS reports whether the mode needs a certificate.
func (m Mode) RequiresTLS() bool {
	return m != ModeSecured
}

type ServerOptions struct {
	Name      string
	Mode      Mode
	Addresses []string
	Port      int
	TLSConfig *tls.Config

	ListenBacklog       int
	MaxConnections      int
	MaxConnectionsPerIP int
	TrustedNetworks     []string
	ProxyProtocol       config.ProxyProtocolConfig
	AuthRateLimit       config.AuthRateLimitConfig

	GreetingName      string
	ClientIdleTimeout time.Duration
	MaxLineLength     int
	InspectionDelay   time.Duration
	Debug             bool
}

// Server is one configured listener. It binds every address on the
// configured port and runs a Session per accepted client.
type Server struct {
	name            string
	mode            Mode
	addresses       []string
	port            int
	backlog         int
	tlsConfig       *tls.Config
	inspectionDelay time.Duration
	sessionCfg      *sessionConfig
	limiter         *server.ConnectionLimiter
	proxyReader     *server.ProxyProtocolReader

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners []net.Listener
	listening bool
	stopped   bool
	pending   []net.Conn
	sessions  map[string]*Session

	acceptWg  sync.WaitGroup
	sessionWg sync.WaitGroup
}

func New(opts ServerOptions, backend Backend, authenticator Authenticator) (*Server, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if authenticator == nil {
		return nil, errors.New("authenticator is required")
	}
	if opts.Mode == "" {
		opts.Mode = ModeStartTLS
	}
	if _, err := ParseMode(string(opts.Mode)); err != nil {
		return nil, err
	}
	if opts.Mode.RequiresTLS() && opts.TLSConfig == nil {
		return nil, fmt.Errorf("server %q of type %s requires a TLS certificate", opts.Name, opts.Mode)
	}

	addresses := opts.Addresses
	if len(addresses) == 0 {
		addresses = []string{""}
	}
	greetingName := opts.GreetingName
	if greetingName == "" {
		greetingName, _ = os.Hostname()
	}
	maxLine := opts.MaxLineLength
	if maxLine <= 0 {
		maxLine = DefaultMaxLineLength
	}

	trustedNets, err := server.ParseTrustedNetworks(opts.TrustedNetworks)
	if err != nil {
		return nil, fmt.Errorf("server %q: %w", opts.Name, err)
	}
	proxyReader, err := server.NewProxyProtocolReader(opts.Name, opts.ProxyProtocol)
	if err != nil {
		return nil, fmt.Errorf("server %q: %w", opts.Name, err)
	}
	authLimiter, err := server.NewAuthRateLimiter(opts.Name, opts.AuthRateLimit, trustedNets)
	if err != nil {
		return nil, fmt.Errorf("server %q: %w", opts.Name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		name:            opts.Name,
		mode:            opts.Mode,
		addresses:       addresses,
		port:            opts.Port,
		backlog:         opts.ListenBacklog,
		tlsConfig:       opts.TLSConfig,
		inspectionDelay: opts.InspectionDelay,
		sessionCfg: &sessionConfig{
			serverName:        opts.Name,
			greetingName:      greetingName,
			clientIdleTimeout: opts.ClientIdleTimeout,
			maxLineLength:     maxLine,
			tlsConfig:         opts.TLSConfig,
			backend:           backend,
			authenticator:     authenticator,
			authLimiter:       authLimiter,
			debug:             opts.Debug,
		},
		limiter:     server.NewConnectionLimiter(opts.Name, opts.MaxConnections, opts.MaxConnectionsPerIP, trustedNets),
		proxyReader: proxyReader,
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[string]*Session),
	}, nil
}

func (s *Server) Name() string {
	return s.name
}

func (s *Server) Mode() Mode {
	return s.mode
}

// Start binds every configured address. Connections accepted before all
// sockets are bound are held back and served once Start succeeds. If any
// bind fails, everything opened so far is closed again.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errors.New("server already stopped")
	}
	s.mu.Unlock()

	for _, host := range s.addresses {
		addr := net.JoinHostPort(host, strconv.Itoa(s.port))
		ln, err := server.ListenWithBacklog(ctx, "tcp", addr, s.backlog)
		if err != nil {
			s.abortStart()
			return fmt.Errorf("server %q: listen on %s: %w", s.name, addr, err)
		}

		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()

		s.acceptWg.Add(1)
		go s.acceptLoop(ln)
		logger.Info("SMTP Proxy: Listening", "name", s.name, "mode", string(s.mode), "addr", ln.Addr().String())
	}

	s.mu.Lock()
	s.listening = true
	pending := s.pending
	s.pending = nil
	for _, conn := range pending {
		s.sessionWg.Add(1)
		go s.handleConn(conn)
	}
	s.mu.Unlock()

	s.limiter.StartCleanup(s.ctx)
	s.sessionCfg.authLimiter.StartCleanup(s.ctx)
	return nil
}

func (s *Server) abortStart() {
	s.mu.Lock()
	s.stopped = true
	listeners := s.listeners
	pending := s.pending
	s.listeners, s.pending = nil, nil
	s.mu.Unlock()

	s.cancel()
	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, conn := range pending {
		_ = conn.Close()
	}
	s.acceptWg.Wait()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.acceptWg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("SMTP Proxy: Accept failed", "name", s.name, "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		switch {
		case s.stopped:
			_ = conn.Close()
		case !s.listening:
			s.pending = append(s.pending, conn)
		default:
			s.sessionWg.Add(1)
			go s.handleConn(conn)
		}
		s.mu.Unlock()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.sessionWg.Done()

	var proxyInfo *server.ProxyProtocolInfo
	if s.proxyReader != nil {
		info, wrapped, err := s.proxyReader.ReadProxyHeader(conn)
		if err != nil && !errors.Is(err, server.ErrNoProxyHeader) {
			logger.Warn("SMTP Proxy: PROXY protocol error", "name", s.name, "remote", server.GetAddrString(conn.RemoteAddr()), "error", err)
			_ = conn.Close()
			return
		}
		proxyInfo, conn = info, wrapped
	}

	clientIP, proxyIP := server.ConnectionIPs(conn, proxyInfo)
	realIP := ""
	if proxyIP != "" {
		realIP = clientIP
	}
	release, err := s.limiter.Acquire(conn.RemoteAddr(), realIP)
	if err != nil {
		logger.Warn("SMTP Proxy: Connection rejected", "name", s.name, "client_ip", clientIP, "error", err)
		metrics.ConnectionsRejectedTotal.WithLabelValues(s.name).Inc()
		_ = conn.Close()
		return
	}
	defer release()

	client, mode, err := s.prepareClient(conn)
	if err != nil {
		logger.Debug("SMTP Proxy: Connection dropped before greeting", "name", s.name, "client_ip", clientIP, "error", err)
		_ = conn.Close()
		return
	}

	sess := newSession(s.sessionCfg, client, mode, clientIP, proxyIP)
	if !s.register(sess) {
		sess.Shutdown()
		return
	}
	defer s.unregister(sess)

	metrics.ConnectionsTotal.WithLabelValues(mode).Inc()
	metrics.ConnectionsCurrent.WithLabelValues(mode).Inc()
	defer metrics.ConnectionsCurrent.WithLabelValues(mode).Dec()

	_ = sess.Run()
}

// prepareClient sets up the client leg according to the listener mode and
// returns it with the mode label used in logs and metrics.
func (s *Server) prepareClient(conn net.Conn) (*Connection, string, error) {
	mode := s.mode
	label := string(mode)

	if mode == ModeAuto {
		result, wrapped, err := detectProtocol(conn, s.inspectionDelay)
		if err != nil {
			metrics.ProtocolDetectionsTotal.WithLabelValues("closed").Inc()
			return nil, "", err
		}
		metrics.ProtocolDetectionsTotal.WithLabelValues(result.String()).Inc()
		conn = wrapped
		if result == detectedTLS {
			mode, label = ModeImplicitTLS, "auto-tls"
		} else {
			mode, label = ModeStartTLS, "auto-plain"
		}
	}

	switch mode {
	case ModeImplicitTLS:
		tlsConn := tls.Server(conn, s.tlsConfig)
		timeout := s.sessionCfg.clientIdleTimeout
		if timeout <= 0 {
			timeout = time.Minute
		}
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()
		if err := waitHandshake(ctx, tlsConn); err != nil {
			metrics.TLSUpgradesTotal.WithLabelValues("client", "failure").Inc()
			return nil, "", err
		}
		return NewConnection(tlsConn, conn, true), label, nil
	case ModeStartTLS:
		return NewConnection(conn, nil, false), label, nil
	default:
		return NewConnection(conn, nil, true), label, nil
	}
}

func (s *Server) register(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.sessions[sess.ID()] = sess
	return true
}

func (s *Server) unregister(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
}

// Addrs returns the bound listener addresses.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Sessions lists the live sessions, oldest first.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, sess.Info())
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Session returns the live session with the given ID.
func (s *Server) Session(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// ConnectionStats reports the listener's connection limiter counters.
func (s *Server) ConnectionStats() server.ConnectionStats {
	return s.limiter.Stats()
}

// Stop closes the listeners and drops connections that never became
// sessions. Live sessions may finish until ctx is done; whatever is left
// then is told the service is shutting down and closed. Stop returns once
// every session has ended.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	listeners := s.listeners
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	logger.Info("SMTP Proxy: Stopping", "name", s.name)
	s.cancel()
	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, conn := range pending {
		_ = conn.Close()
	}
	s.acceptWg.Wait()

	done := make(chan struct{})
	go func() {
		s.sessionWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.mu.Lock()
		live := make([]*Session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			live = append(live, sess)
		}
		s.mu.Unlock()

		logger.Info("SMTP Proxy: Closing remaining sessions", "name", s.name, "count", len(live))
		for _, sess := range live {
			sess.Shutdown()
		}
		<-done
	}
	logger.Info("SMTP Proxy: Stopped", "name", s.name)
	return nil
}
