package smtpproxy

import (
	"context"
	"errors"

	"github.com/migadu/xoauth2-proxy/helpers"
	"github.com/migadu/xoauth2-proxy/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// clientRequest dispatches one client command according to the current
// stage. Recoverable problems are answered through the pipeline; a returned
// error ends the session.
func (s *Session) clientRequest(ctx context.Context, cmd Command) error {
	stage := s.Stage()
	metrics.CommandsTotal.WithLabelValues(commandLabel(cmd.Name), stage.String()).Inc()

	switch stage {
	case StageInit:
		switch cmd.Name {
		case "HELO", "EHLO":
			return s.helo(ctx, cmd)
		case "NOOP", "RSET":
			return s.forwardRequest(cmd)
		case "QUIT":
			return s.quit(ctx, cmd)
		case "BDAT":
			return s.discardChunks(cmd, errNoHelo)
		default:
			return s.enqueueError(errNoHelo)
		}

	case StageHelo:
		switch cmd.Name {
		case "HELO", "EHLO":
			return s.helo(ctx, cmd)
		case "NOOP", "RSET":
			return s.forwardRequest(cmd)
		case "QUIT":
			return s.quit(ctx, cmd)
		case "STARTTLS":
			return s.startTLS(ctx, cmd)
		case "BDAT":
			return s.discardChunks(cmd, errStartTLSFirst)
		default:
			return s.enqueueError(errStartTLSFirst)
		}

	case StageTLS:
		switch cmd.Name {
		case "HELO", "EHLO":
			return s.helo(ctx, cmd)
		case "NOOP", "RSET":
			return s.forwardRequest(cmd)
		case "QUIT":
			return s.quit(ctx, cmd)
		case "AUTH":
			return s.auth(ctx, cmd)
		case "STARTTLS":
			return s.enqueueError(errAlreadySecured)
		case "BDAT":
			return s.discardChunks(cmd, errAuthRequired)
		default:
			return s.enqueueError(errAuthRequired)
		}

	default:
		switch cmd.Name {
		case "HELO", "EHLO":
			return s.helo(ctx, cmd)
		case "QUIT":
			return s.quit(ctx, cmd)
		case "AUTH":
			return s.enqueueError(errBadSequence)
		case "STARTTLS":
			return s.enqueueError(errAlreadySecured)
		case "DATA":
			return s.data(ctx, cmd)
		case "BDAT":
			return s.bdat(cmd)
		default:
			return s.forwardRequest(cmd)
		}
	}
}

// helo relays HELO/EHLO. A successful greeting settles the stage: a
// secured client leg requires the backend leg to be secured as well, which
// is negotiated here before the reply is passed on. The next client command
// is not read until the stage is settled.
func (s *Session) helo(ctx context.Context, cmd Command) error {
	if err := s.backend.WriteString(cmd.Raw); err != nil {
		return err
	}
	_, err := s.waitForResponse(func(ctx context.Context, resp *Response) error {
		if resp.Code == "250" {
			if s.client.Secured() {
				if !s.backend.Secured() {
					secured, err := s.secureBackend(ctx, cmd)
					if err != nil {
						return err
					}
					resp = secured
				}
				s.advance(StageTLS)
			} else {
				s.advance(StageHelo)
			}
			if cmd.Name == "EHLO" {
				resp = rewriteEHLO(resp, s.client.Secured())
			}
		}
		return s.clientWrite(resp.Bytes())
	}).Wait(ctx)
	return err
}

// secureBackend runs STARTTLS against the backend and repeats the client's
// greeting over the new channel. It runs on the pipeline, which owns the
// backend reader.
func (s *Session) secureBackend(ctx context.Context, greeting Command) (*Response, error) {
	if err := s.backend.WriteString("STARTTLS\r\n"); err != nil {
		return nil, err
	}
	resp, err := s.backendParser.ReadResponse()
	if err != nil {
		return nil, err
	}
	if resp.Code != "220" {
		s.log.WarnLog("SMTP Proxy: Backend refused STARTTLS", "response", helpers.SanitizeLogText(resp.String(), maxLoggedReply))
		return nil, ErrStartTLSUnsuccessful
	}
	if err := s.upgradeBackend(ctx); err != nil {
		return nil, err
	}

	if err := s.backend.WriteString(greeting.Raw); err != nil {
		return nil, err
	}
	resp, err = s.backendParser.ReadResponse()
	if err != nil {
		return nil, err
	}
	if resp.Code != "250" {
		s.log.WarnLog("SMTP Proxy: Backend refused greeting after STARTTLS", "response", helpers.SanitizeLogText(resp.String(), maxLoggedReply))
		return nil, ErrEhloUnsuccessful
	}
	return resp, nil
}

func (s *Session) startTLS(ctx context.Context, cmd Command) error {
	if s.backend.Secured() {
		if err := s.enqueueReply([]byte(replyReadyToStartTLS)); err != nil {
			return err
		}
		if err := s.pipeline.WaitEmpty(ctx); err != nil {
			return err
		}
		if err := s.upgradeClient(ctx); err != nil {
			return err
		}
		s.advance(StageTLS)
		return nil
	}

	if err := s.backend.WriteString(cmd.Raw); err != nil {
		return err
	}
	resp, err := s.forwardResponse().Wait(ctx)
	if err != nil {
		return err
	}
	if resp.Code != "220" {
		return nil
	}

	// The client reader is parked here, so the client leg can be upgraded
	// from this goroutine while the pipeline upgrades the backend leg.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.upgradeClient(gctx)
	})
	g.Go(func() error {
		_, err := s.schedule(func(ctx context.Context) error {
			return s.upgradeBackend(ctx)
		}).Wait(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	s.advance(StageTLS)
	return nil
}

func (s *Session) upgradeClient(ctx context.Context) error {
	if err := s.client.UpgradeToTLS(ctx, s.tlsConfig, true, s.clientParser.Discard()); err != nil {
		metrics.TLSUpgradesTotal.WithLabelValues("client", "failure").Inc()
		return err
	}
	metrics.TLSUpgradesTotal.WithLabelValues("client", "success").Inc()
	s.log.DebugLog("SMTP Proxy: Client connection upgraded to TLS")
	return nil
}

func (s *Session) upgradeBackend(ctx context.Context) error {
	if err := s.backend.UpgradeToTLS(ctx, s.backendTLS, false, s.backendParser.Discard()); err != nil {
		metrics.TLSUpgradesTotal.WithLabelValues("backend", "failure").Inc()
		return err
	}
	metrics.TLSUpgradesTotal.WithLabelValues("backend", "success").Inc()
	s.log.DebugLog("SMTP Proxy: Backend connection upgraded to TLS")
	return nil
}

// data relays a DATA transaction. The payload is streamed as received once
// the backend has accepted the command with 354.
func (s *Session) data(ctx context.Context, cmd Command) error {
	if err := s.backend.WriteString(cmd.Raw); err != nil {
		return err
	}
	resp, err := s.forwardResponse().Wait(ctx)
	if err != nil {
		return err
	}
	if resp.Code != "354" {
		return nil
	}

	var size int
	for {
		block, last, err := s.clientParser.ReadDataBlock()
		if err != nil {
			return err
		}
		s.idle.Touch()
		size += len(block)
		if err := s.backend.Write(block); err != nil {
			return err
		}
		if last {
			break
		}
	}
	s.idle.Stop()
	metrics.RelayedBytesTotal.WithLabelValues("data").Add(float64(size))
	s.log.DebugLog("SMTP Proxy: Message data relayed", "bytes", size)
	return queueErr(s.forwardResponse())
}

// bdat relays one BDAT chunk. The command line is only sent once chunk
// data has started to arrive.
func (s *Session) bdat(cmd Command) error {
	started := false
	var size int
	for {
		block, finished, err := s.clientParser.ReadChunkBlock(cmd.Args)
		if err != nil {
			var smtpErr *SMTPError
			if errors.As(err, &smtpErr) {
				return s.enqueueError(smtpErr)
			}
			return err
		}
		s.idle.Touch()
		if !started {
			if err := s.backend.WriteString(cmd.Raw); err != nil {
				return err
			}
			started = true
		}
		if len(block) > 0 {
			size += len(block)
			if err := s.backend.Write(block); err != nil {
				return err
			}
		}
		if finished {
			break
		}
	}
	s.idle.Stop()
	metrics.RelayedBytesTotal.WithLabelValues("bdat").Add(float64(size))
	return queueErr(s.forwardResponse())
}

// discardChunks consumes a BDAT chunk that may not be relayed in the
// current stage and answers with reply.
func (s *Session) discardChunks(cmd Command, reply *SMTPError) error {
	for {
		_, finished, err := s.clientParser.ReadChunkBlock(cmd.Args)
		if err != nil {
			var smtpErr *SMTPError
			if errors.As(err, &smtpErr) {
				return s.enqueueError(smtpErr)
			}
			return err
		}
		s.idle.Touch()
		if finished {
			return s.enqueueError(reply)
		}
	}
}

func (s *Session) quit(ctx context.Context, cmd Command) error {
	if err := s.backend.WriteString(cmd.Raw); err != nil {
		return err
	}
	_, err := s.waitForResponse(func(ctx context.Context, resp *Response) error {
		if err := s.clientWrite(resp.Bytes()); err != nil {
			return err
		}
		s.end()
		return nil
	}).Wait(ctx)
	return err
}

var knownCommands = map[string]bool{
	"HELO": true, "EHLO": true, "STARTTLS": true, "AUTH": true, "MAIL": true,
	"RCPT": true, "DATA": true, "BDAT": true, "RSET": true, "NOOP": true,
	"QUIT": true, "VRFY": true, "EXPN": true, "HELP": true,
}

// commandLabel keeps metric cardinality bounded.
func commandLabel(name string) string {
	if knownCommands[name] {
		return name
	}
	return "OTHER"
}
