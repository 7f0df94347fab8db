package smtpproxy

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/migadu/xoauth2-proxy/helpers"
	"github.com/migadu/xoauth2-proxy/pkg/metrics"
	"github.com/migadu/xoauth2-proxy/server"
)

// UserToken is what a successful credential check yields: the identity to
// present to the backend and the bearer token proving it.
type UserToken struct {
	Username    string
	AccessToken string
}

// Authenticator checks client credentials. A nil token with a nil error
// means the credentials were rejected.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*UserToken, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, username, password string) (*UserToken, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, username, password string) (*UserToken, error) {
	return f(ctx, username, password)
}

// xoauth2Client implements the client side of the XOAUTH2 SASL mechanism.
type xoauth2Client struct {
	username string
	token    string
}

var _ sasl.Client = (*xoauth2Client)(nil)

func newXOAuth2Client(username, token string) *xoauth2Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	return "XOAUTH2", []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01"), nil
}

// Next answers the server's error challenge. XOAUTH2 has no second client
// step: the challenge is a JSON error document that only matters for
// logging, and the server expects an empty response before sending the
// final reply.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}

const (
	loginUsernamePrompt = "334 VXNlcm5hbWU6\r\n"
	loginPasswordPrompt = "334 UGFzc3dvcmQ6\r\n"
	plainPrompt         = "334 \r\n"
)

func (s *Session) auth(ctx context.Context, cmd Command) error {
	mechanism, args, _ := strings.Cut(cmd.Args, " ")
	args = strings.TrimSpace(args)

	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		return s.authPlain(ctx, args)
	case "LOGIN":
		return s.authLogin(ctx, args)
	case "":
		return s.enqueueError(errSyntax)
	default:
		metrics.AuthAttemptsTotal.WithLabelValues("unknown", "unsupported").Inc()
		return s.enqueueError(errUnknownMechanism)
	}
}

// readAuthResponse prompts the client and reads one SASL response line.
// ok is false when the exchange has already been answered, for instance
// because the client aborted it.
func (s *Session) readAuthResponse(prompt string) (line string, ok bool, err error) {
	if err := s.enqueueReply([]byte(prompt)); err != nil {
		return "", false, err
	}
	line, err = s.clientParser.ReadLine(true)
	if err != nil {
		var smtpErr *SMTPError
		if errors.As(err, &smtpErr) {
			return "", false, s.enqueueError(errAuthLineTooLong)
		}
		return "", false, err
	}
	s.idle.Stop()
	if line == "*" {
		metrics.AuthAttemptsTotal.WithLabelValues("client", "aborted").Inc()
		return "", false, s.enqueueError(errAuthAborted)
	}
	return line, true, nil
}

func (s *Session) authPlain(ctx context.Context, args string) error {
	response := args
	switch args {
	case "":
		line, ok, err := s.readAuthResponse(plainPrompt)
		if !ok {
			return err
		}
		response = line
	case "*", "=":
		return s.enqueueError(errSyntax)
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(response))
	if err != nil || len(decoded) == 0 {
		return s.enqueueError(errSyntax)
	}

	var username, password string
	plain := sasl.NewPlainServer(func(identity, user, pass string) error {
		username, password = user, pass
		return nil
	})
	if _, _, err := plain.Next(decoded); err != nil {
		return s.enqueueError(errSyntax)
	}
	return s.checkUser(ctx, "PLAIN", username, password)
}

func (s *Session) authLogin(ctx context.Context, args string) error {
	var encodedUser string
	switch args {
	case "":
		line, ok, err := s.readAuthResponse(loginUsernamePrompt)
		if !ok {
			return err
		}
		encodedUser = line
	case "*", "=":
		return s.enqueueError(errSyntax)
	default:
		encodedUser = args
	}
	username, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodedUser))
	if err != nil {
		return s.enqueueError(errSyntax)
	}

	line, ok, err := s.readAuthResponse(loginPasswordPrompt)
	if !ok {
		return err
	}
	password, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line))
	if err != nil {
		return s.enqueueError(errSyntax)
	}
	return s.checkUser(ctx, "LOGIN", string(username), string(password))
}

// checkUser resolves the client credentials to a bearer token and
// authenticates against the backend with XOAUTH2.
func (s *Session) checkUser(ctx context.Context, mechanism, username, password string) error {
	if s.authLimiter != nil {
		if err := server.ApplyAuthenticationDelay(ctx, s.authLimiter, s.clientIP); err != nil {
			return err
		}
		if err := s.authLimiter.CanAttemptAuth(s.clientIP, username); err != nil {
			metrics.AuthAttemptsTotal.WithLabelValues(strings.ToLower(mechanism), "rate_limited").Inc()
			s.log.InfoLog("SMTP Proxy: Authentication refused", "mechanism", mechanism, "username", username, "reason", err)
			return s.enqueueError(errAuthRateLimited)
		}
	}

	token, err := s.authenticator.Authenticate(ctx, username, password)
	if err != nil {
		s.log.WarnLog("SMTP Proxy: Credential lookup failed", "mechanism", mechanism, "username", username, "error", err)
		token = nil
	}
	if token == nil {
		s.authLimiter.RecordAuthAttempt(s.clientIP, username, false)
		metrics.AuthAttemptsTotal.WithLabelValues(strings.ToLower(mechanism), "failure").Inc()
		s.log.InfoLog("SMTP Proxy: Authentication failed", "mechanism", mechanism, "username", username)
		return s.enqueueError(errAuthFailed)
	}

	client := newXOAuth2Client(token.Username, token.AccessToken)
	mech, ir, _ := client.Start()
	if err := s.backend.WriteString("AUTH " + mech + " " + base64.StdEncoding.EncodeToString(ir) + "\r\n"); err != nil {
		return err
	}

	_, err = s.waitForResponse(func(ctx context.Context, resp *Response) error {
		if resp.Code == "334" {
			// Error challenge; acknowledge it to receive the final status.
			challenge := decodeChallenge(resp)
			reply, _ := client.Next(challenge)
			if err := s.backend.WriteString(base64.StdEncoding.EncodeToString(reply) + "\r\n"); err != nil {
				return err
			}
			final, err := s.backendParser.ReadResponse()
			if err != nil {
				return err
			}
			s.authLimiter.RecordAuthAttempt(s.clientIP, username, false)
			s.log.WarnLog("SMTP Proxy: Backend rejected XOAUTH2", "username", token.Username, "challenge", helpers.SanitizeLogText(string(challenge), maxLoggedReply), "response", helpers.SanitizeLogText(final.String(), maxLoggedReply))
			metrics.AuthAttemptsTotal.WithLabelValues(strings.ToLower(mechanism), "backend_rejected").Inc()
			return s.clientWrite(errAuthFailed.Reply())
		}
		if resp.Code != "235" {
			s.authLimiter.RecordAuthAttempt(s.clientIP, username, false)
			s.log.WarnLog("SMTP Proxy: Backend rejected XOAUTH2", "username", token.Username, "response", helpers.SanitizeLogText(resp.String(), maxLoggedReply))
			metrics.AuthAttemptsTotal.WithLabelValues(strings.ToLower(mechanism), "backend_rejected").Inc()
			return s.clientWrite(errAuthFailed.Reply())
		}

		s.authLimiter.RecordAuthAttempt(s.clientIP, username, true)
		s.advance(StageAuth)
		s.log.SetUsername(token.Username)
		metrics.AuthAttemptsTotal.WithLabelValues(strings.ToLower(mechanism), "success").Inc()
		s.log.InfoLog("SMTP Proxy: Authenticated", "mechanism", mechanism)
		return s.clientWrite([]byte(replyAuthSuccessful))
	}).Wait(ctx)
	return err
}

func decodeChallenge(resp *Response) []byte {
	text := resp.Text()
	if len(text) == 0 {
		return nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text[len(text)-1]))
	if err != nil {
		return []byte(text[len(text)-1])
	}
	return decoded
}
