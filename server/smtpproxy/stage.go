package smtpproxy

// Stage is the point a session has reached in the SMTP conversation.
// Stages only ever move forward.
type Stage int32

const (
	// StageInit: connected, waiting for HELO/EHLO.
	StageInit Stage = iota
	// StageHelo: greeted over an unsecured client leg, STARTTLS required.
	StageHelo
	// StageTLS: both legs secured, authentication required.
	StageTLS
	// StageAuth: authenticated, commands are relayed.
	StageAuth
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageHelo:
		return "helo"
	case StageTLS:
		return "tls"
	case StageAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Stage returns the current stage.
func (s *Session) Stage() Stage {
	return Stage(s.stage.Load())
}

// advance moves the session to target unless it is already further along.
func (s *Session) advance(target Stage) {
	for {
		cur := s.stage.Load()
		if Stage(cur) >= target {
			return
		}
		if s.stage.CompareAndSwap(cur, int32(target)) {
			s.log.DebugLog("SMTP Proxy: Stage changed", "from", Stage(cur).String(), "to", target.String())
			return
		}
	}
}
