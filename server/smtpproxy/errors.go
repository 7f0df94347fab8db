package smtpproxy

import (
	"errors"
	"fmt"
)

// Session-fatal errors.
var (
	ErrConnectionClosed     = errors.New("connection closed")
	ErrTimeout              = errors.New("client idle timeout")
	ErrInvalidResponse      = errors.New("invalid backend response")
	ErrEhloUnsuccessful     = errors.New("backend HELO/EHLO unsuccessful")
	ErrStartTLSUnsuccessful = errors.New("backend STARTTLS unsuccessful")
	ErrAlreadySecured       = errors.New("connection already secured")
	ErrBackendUnavailable   = errors.New("backend unavailable")
	ErrServerShutdown       = errors.New("server shutting down")
)

// SMTPError is a recoverable protocol error reported to the client as a
// single reply line. The session continues after it has been written.
type SMTPError struct {
	Code    int
	Message string
}

func (e *SMTPError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

// Reply returns the wire form of the error, CRLF terminated.
func (e *SMTPError) Reply() []byte {
	return []byte(fmt.Sprintf("%d %s\r\n", e.Code, e.Message))
}

func invalidResponse(detail string) error {
	return fmt.Errorf("%w: %s", ErrInvalidResponse, detail)
}

var (
	errSyntax             = &SMTPError{501, "5.5.2 Syntax error in parameters or arguments"}
	errAuthAborted        = &SMTPError{501, "5.5.2 Authentication aborted"}
	errBadSequence        = &SMTPError{503, "5.5.1 Bad sequence of commands"}
	errNoHelo             = &SMTPError{503, "5.5.1 Send HELO/EHLO first"}
	errAlreadySecured     = &SMTPError{503, "5.5.1 Connection already secured"}
	errStartTLSFirst      = &SMTPError{503, "5.5.1 Must issue a STARTTLS command first"}
	errAuthRequired       = &SMTPError{530, "5.7.0 Authentication required"}
	errAuthFailed         = &SMTPError{535, "5.7.8 Authentication failed"}
	errAuthRateLimited    = &SMTPError{454, "4.7.0 Too many failed authentication attempts, try again later"}
	errUnknownMechanism   = &SMTPError{504, "5.5.4 Unknown authentication mechanism"}
	errLineTooLong        = &SMTPError{500, "5.5.6 Line too long"}
	errAuthLineTooLong    = &SMTPError{500, "5.5.6 Authentication Exchange line is too long"}
	errInvalidChunkSize   = &SMTPError{501, "5.5.2 Invalid chunk data size"}
	errInvalidChunkFormat = &SMTPError{501, "5.5.2 Invalid chunk format"}
)

const (
	replyReadyToStartTLS = "220 2.0.0 Ready to start TLS\r\n"
	replyAuthSuccessful  = "235 2.7.0 Authentication successful\r\n"
	replyIdleTimeout     = "421 4.4.2 Idle timeout, closing connection\r\n"
	replyShuttingDown    = "421 4.3.2 Service shutting down\r\n"
	replyBackendDown     = "421 4.4.1 Backend unavailable\r\n"
)
