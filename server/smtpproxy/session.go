package smtpproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/xoauth2-proxy/helpers"
	"github.com/migadu/xoauth2-proxy/pkg/metrics"
	"github.com/migadu/xoauth2-proxy/server"
	"github.com/oklog/ulid/v2"
)

// noticeTimeout bounds writes of unsolicited notices such as the idle
// timeout reply.
const noticeTimeout = time.Second

// maxLoggedReply caps backend reply text copied into log lines.
const maxLoggedReply = 512

// SessionInfo is a snapshot of a live session.
type SessionInfo struct {
	ID         string    `json:"id"`
	Listener   string    `json:"listener"`
	Mode       string    `json:"mode"`
	RemoteAddr string    `json:"remote_addr"`
	ClientIP   string    `json:"client_ip"`
	ProxyIP    string    `json:"proxy_ip,omitempty"`
	Username   string    `json:"username,omitempty"`
	Stage      string    `json:"stage"`
	StartedAt  time.Time `json:"started_at"`
}

// sessionConfig carries the listener settings every session needs.
type sessionConfig struct {
	serverName        string
	greetingName      string
	clientIdleTimeout time.Duration
	maxLineLength     int
	tlsConfig         *tls.Config
	backend           Backend
	authenticator     Authenticator
	authLimiter       *server.AuthRateLimiter
	debug             bool
}

// Session proxies one client connection to one backend connection. The
// client reader goroutine parses commands and forwards them; the pipeline
// goroutine reads backend replies and writes them back in order.
type Session struct {
	id            string
	mode          string
	greetingName  string
	maxLineLength int
	tlsConfig     *tls.Config
	backendTLS    *tls.Config
	dialer        Backend
	authenticator Authenticator
	authLimiter   *server.AuthRateLimiter
	clientIP      string
	log           *server.ProxySessionLogger

	ctx    context.Context
	cancel context.CancelCauseFunc

	client        *Connection
	clientParser  *Parser
	backend       *Connection
	backendParser *Parser
	pipeline      *Pipeline
	idle          *idleTimer

	stage atomic.Int32
	ended atomic.Bool

	mu       sync.Mutex
	endDelay *Delay

	closeOnce sync.Once
	startedAt time.Time
	done      chan struct{}
}

func newSession(cfg *sessionConfig, client *Connection, mode, clientIP, proxyIP string) *Session {
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Session{
		id:            ulid.Make().String(),
		mode:          mode,
		greetingName:  cfg.greetingName,
		maxLineLength: cfg.maxLineLength,
		tlsConfig:     cfg.tlsConfig,
		backendTLS:    cfg.backend.TLSConfig(),
		dialer:        cfg.backend,
		authenticator: cfg.authenticator,
		authLimiter:   cfg.authLimiter,
		clientIP:      clientIP,
		ctx:           ctx,
		cancel:        cancel,
		client:        client,
		clientParser:  NewParser(client, cfg.maxLineLength),
		startedAt:     time.Now(),
		done:          make(chan struct{}),
	}
	s.log = &server.ProxySessionLogger{
		Protocol:   "smtp_proxy",
		ServerName: cfg.serverName,
		SessionID:  s.id,
		RemoteAddr: client.RemoteAddr(),
		ClientIP:   clientIP,
		ProxyIP:    proxyIP,
		Debug:      cfg.debug,
	}
	s.idle = newIdleTimer(cfg.clientIdleTimeout, s.idleTimeout)
	s.pipeline = NewPipeline(s.idle.Start)
	return s
}

func (s *Session) ID() string {
	return s.id
}

// Info returns a snapshot of the session state.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:         s.id,
		Listener:   s.log.ServerName,
		Mode:       s.mode,
		RemoteAddr: server.GetAddrString(s.log.RemoteAddr),
		ClientIP:   s.clientIP,
		ProxyIP:    s.log.ProxyIP,
		Username:   s.log.Username(),
		Stage:      s.Stage().String(),
		StartedAt:  s.startedAt,
	}
}

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run serves the session until either side ends it. The returned error
// classifies how it ended; nil means a clean close.
func (s *Session) Run() error {
	defer close(s.done)

	s.log.InfoLog("SMTP Proxy: New connection", "mode", s.mode)
	err := s.serve()
	duration := time.Since(s.startedAt).Round(time.Millisecond)
	metrics.ConnectionDuration.WithLabelValues(s.mode).Observe(time.Since(s.startedAt).Seconds())

	switch {
	case err == nil:
		s.log.InfoLog("SMTP Proxy: Connection closed", "duration", duration)
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrTimeout), errors.Is(err, ErrServerShutdown):
		metrics.SessionErrorsTotal.WithLabelValues(errorKind(err)).Inc()
		s.log.InfoLog("SMTP Proxy: Connection closed", "duration", duration, "reason", err)
	default:
		metrics.SessionErrorsTotal.WithLabelValues(errorKind(err)).Inc()
		s.log.WarnLog("SMTP Proxy: Connection closed with error", "duration", duration, "error", err)
	}
	return err
}

func (s *Session) serve() error {
	conn, err := s.dialer.Dial(s.ctx)
	if err != nil {
		if cause := context.Cause(s.ctx); cause != nil {
			s.close(cause)
			return s.classify(cause)
		}
		s.log.WarnLog("SMTP Proxy: Backend unavailable", "error", err)
		s.client.Notify(replyBackendDown, noticeTimeout)
		s.close(ErrBackendUnavailable)
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	backend := NewConnection(conn, nil, s.dialer.Secured())
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return s.classify(context.Cause(s.ctx))
	}
	s.backend = backend
	s.backendParser = NewParser(backend, s.maxLineLength)
	s.mu.Unlock()
	s.log.DebugLog("SMTP Proxy: Connected to backend", "backend", server.GetAddrString(conn.RemoteAddr()), "secured", backend.Secured())

	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		if err := s.pipeline.Run(s.ctx); err != nil {
			s.close(err)
		}
	}()

	err = s.clientLoop()
	if err == nil {
		err = s.pipeline.WaitEmpty(s.ctx)
	}
	s.close(err)
	<-pipelineDone
	return s.classify(err)
}

func (s *Session) clientLoop() error {
	if err := s.greet(s.ctx); err != nil {
		return err
	}
	for {
		line, err := s.clientParser.ReadLine(false)
		if err != nil {
			if s.ended.Load() || errors.Is(err, io.EOF) {
				return nil
			}
			var smtpErr *SMTPError
			if errors.As(err, &smtpErr) {
				s.idle.Stop()
				if err := s.enqueueError(smtpErr); err != nil {
					return err
				}
				continue
			}
			return err
		}
		s.idle.Stop()
		if s.ended.Load() {
			continue
		}

		cmd := parseCommand(line)
		s.log.DebugLog("SMTP Proxy: Client command", "stage", s.Stage().String(), "line", helpers.MaskAuthCommand(line))
		if err := s.clientRequest(s.ctx, cmd); err != nil {
			return err
		}
	}
}

// classify maps an error from either loop to the reason the session ended.
// A cause recorded by close takes precedence over the symptom seen by a
// reader whose socket was closed underneath it.
func (s *Session) classify(err error) error {
	if cause := context.Cause(s.ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		err = cause
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrTimeout), errors.Is(err, ErrServerShutdown),
		errors.Is(err, ErrInvalidResponse), errors.Is(err, ErrBackendUnavailable):
		return err
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), server.IsConnectionError(err):
		return ErrConnectionClosed
	}
	return err
}

// close tears the session down once. A nil error closes both legs
// gracefully; otherwise they are destroyed.
func (s *Session) close(err error) {
	s.closeOnce.Do(func() {
		s.cancel(err)
		s.idle.Shutdown()
		s.pipeline.Close(err)
		s.client.Close(err)

		s.mu.Lock()
		backend := s.backend
		endDelay := s.endDelay
		s.mu.Unlock()
		if backend != nil {
			backend.Close(err)
		}
		if endDelay != nil {
			endDelay.Cancel()
		}
	})
}

// end finishes the session after QUIT: both legs are half-closed and no
// further work is accepted. The client is given closeGracePeriod to hang up.
func (s *Session) end() {
	if s.ended.Swap(true) {
		return
	}
	s.idle.Shutdown()
	s.backend.End()
	s.client.End()
	s.pipeline.Close(nil)

	s.mu.Lock()
	s.endDelay = NewDelay(closeGracePeriod, s.client.Destroy)
	s.mu.Unlock()
}

// Shutdown tells the client the service is going away and closes the
// session.
func (s *Session) Shutdown() {
	s.client.Notify(replyShuttingDown, noticeTimeout)
	s.close(ErrServerShutdown)
}

func (s *Session) idleTimeout() {
	s.log.InfoLog("SMTP Proxy: Client idle timeout")
	s.client.Notify(replyIdleTimeout, noticeTimeout)
	s.close(ErrTimeout)
}

func (s *Session) clientWrite(p []byte) error {
	return s.client.Write(p)
}

// enqueueReply schedules a reply to the client behind any pending work.
func (s *Session) enqueueReply(p []byte) error {
	return s.pipeline.Add(func(ctx context.Context) error {
		return s.clientWrite(p)
	})
}

func (s *Session) enqueueError(e *SMTPError) error {
	metrics.LocalRepliesTotal.WithLabelValues(strconv.Itoa(e.Code)).Inc()
	return s.enqueueReply(e.Reply())
}

// schedule runs a on the pipeline and reports its completion.
func (s *Session) schedule(a Action) *Future[struct{}] {
	f := NewFuture[struct{}]()
	err := s.pipeline.Add(func(ctx context.Context) error {
		if err := a(ctx); err != nil {
			f.Reject(err)
			return err
		}
		f.Resolve(struct{}{})
		return nil
	})
	if err != nil {
		f.Reject(err)
	}
	return f
}

// waitForResponse schedules reading the next backend reply and passing it
// to handler.
func (s *Session) waitForResponse(handler func(ctx context.Context, resp *Response) error) *Future[*Response] {
	f := NewFuture[*Response]()
	err := s.pipeline.Add(func(ctx context.Context) error {
		resp, err := s.backendParser.ReadResponse()
		if err != nil {
			f.Reject(err)
			return err
		}
		if handler != nil {
			if err := handler(ctx, resp); err != nil {
				f.Reject(err)
				return err
			}
		}
		f.Resolve(resp)
		return nil
	})
	if err != nil {
		f.Reject(err)
	}
	return f
}

// forwardResponse schedules relaying the next backend reply unchanged.
func (s *Session) forwardResponse() *Future[*Response] {
	return s.waitForResponse(func(ctx context.Context, resp *Response) error {
		return s.clientWrite(resp.Bytes())
	})
}

// forwardRequest passes a command to the backend byte for byte and
// schedules relaying its reply.
func (s *Session) forwardRequest(cmd Command) error {
	if err := s.backend.WriteString(cmd.Raw); err != nil {
		return err
	}
	return queueErr(s.forwardResponse())
}

// queueErr reports a future that failed before its work could start, which
// happens when the pipeline is already closed.
func queueErr[T any](f *Future[T]) error {
	if !f.Settled() {
		return nil
	}
	_, err := f.Wait(context.Background())
	return err
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrConnectionClosed):
		return "connection_closed"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrServerShutdown):
		return "shutdown"
	case errors.Is(err, ErrInvalidResponse):
		return "invalid_response"
	case errors.Is(err, ErrEhloUnsuccessful):
		return "ehlo_unsuccessful"
	case errors.Is(err, ErrStartTLSUnsuccessful):
		return "starttls_unsuccessful"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	default:
		return "other"
	}
}

// idleTimer closes a session whose client stays silent while nothing is
// pending. It runs only while the pipeline is empty.
type idleTimer struct {
	mu       sync.Mutex
	timeout  time.Duration
	fire     func()
	delay    *Delay
	disabled bool
}

func newIdleTimer(timeout time.Duration, fire func()) *idleTimer {
	return &idleTimer{timeout: timeout, fire: fire}
}

func (t *idleTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled || t.timeout <= 0 {
		return
	}
	if t.delay != nil {
		t.delay.Cancel()
	}
	t.delay = NewDelay(t.timeout, t.fire)
}

func (t *idleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.delay != nil {
		t.delay.Cancel()
		t.delay = nil
	}
}

// Touch restarts a running timer. Message data counts as activity.
func (t *idleTimer) Touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.delay == nil || t.disabled {
		return
	}
	t.delay.Cancel()
	t.delay = NewDelay(t.timeout, t.fire)
}

// Shutdown stops the timer for good.
func (t *idleTimer) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled = true
	if t.delay != nil {
		t.delay.Cancel()
		t.delay = nil
	}
}
