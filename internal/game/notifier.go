package game

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/lox/sus/internal/session"
)

// Notifier is told about moments participants should be alerted to. It is
// observational: it runs under the session's transaction lock and must not
// call back into the Controller.
type Notifier interface {
	VotingOpened(sessionID string, round int, deadline time.Time)
	SessionEnded(sessionID string, state session.State, reason string)
	// Alert reports integrity and recovery errors that need the dispute
	// path or an operator.
	Alert(sessionID string, err error)
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	logger *log.Logger
}

// NewLogNotifier returns a notifier logging through logger.
func NewLogNotifier(logger *log.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.WithPrefix("notify")}
}

func (n *LogNotifier) VotingOpened(sessionID string, round int, deadline time.Time) {
	n.logger.Info("Voting opened", "session", sessionID, "round", round, "deadline", deadline)
}

func (n *LogNotifier) SessionEnded(sessionID string, state session.State, reason string) {
	n.logger.Info("Session ended", "session", sessionID, "state", state, "reason", reason)
}

func (n *LogNotifier) Alert(sessionID string, err error) {
	n.logger.Error("Session needs attention", "session", sessionID, "code", session.CodeOf(err), "error", err)
}
