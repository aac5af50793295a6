package game

import (
	"github.com/lox/sus/internal/ledger"
	"github.com/lox/sus/internal/session"
)

// maxCascade bounds how many timeout transitions one poll applies.
const maxCascade = 8

// Monitor applies lapsed deadlines and recovery conditions. Each guard is
// evaluated against the transaction's clock reading, so applying the
// monitor twice is the same as applying it once.
type Monitor struct {
	*machine
}

// Apply runs every due recovery transition on the session in tx. It is a
// ledger.Update callback.
func (m *Monitor) Apply(tx *ledger.Tx) error {
	_, err := m.apply(tx)
	return err
}

// apply reports whether any transition fired.
func (m *Monitor) apply(tx *ledger.Tx) (bool, error) {
	applied := false
	for range maxCascade {
		fired, err := m.step(tx)
		if err != nil {
			return applied, err
		}
		if !fired {
			return applied, nil
		}
		applied = true
	}
	return applied, nil
}

func (m *Monitor) step(tx *ledger.Tx) (bool, error) {
	s := tx.Session()
	now := tx.Now()

	if s.State.Terminal() {
		return false, nil
	}
	if s.State == session.Disputed {
		if s.Dispute.Open() && !now.Before(s.Dispute.Deadline) {
			m.logger.Warn("Dispute timed out", "session", s.ID, "raised_by", s.Dispute.By)
			if s.Settlement != nil && s.Settlement.Attempted() {
				return true, m.resolveUphold(tx, ReasonDisputeTimeout)
			}
			return true, m.resolveRefund(tx, ReasonDisputeTimeout)
		}
		return false, nil
	}
	if s.Settling() {
		return false, nil
	}

	switch s.State {
	case session.Lobby:
		if m.rules.LobbyTimeout > 0 && len(s.Participants) < session.MinParticipants && now.Sub(s.CreatedAt) >= m.rules.LobbyTimeout {
			m.logger.Info("Lobby timed out", "session", s.ID, "participants", len(s.Participants))
			return true, m.refundAll(tx, ReasonLobbyTimeout, session.Cancelled)
		}
		return m.checkHost(tx)

	case session.RoleCommitted:
		if deadlinePassed(s, now) {
			m.logger.Warn("Reveal window lapsed", "session", s.ID)
			return true, m.refundAll(tx, ReasonRevealTimeout, session.Cancelled)
		}
		if err := m.reveal(tx); err != nil {
			m.logger.Warn("Reveal failed", "session", s.ID, "error", err)
			m.notifier.Alert(s.ID, err)
			return false, nil
		}
		return true, nil

	case session.RoleRevealed, session.Discussion, session.Voting:
		if s.PresentCount() < 2 {
			m.logger.Warn("Mass disconnect", "session", s.ID, "present", s.PresentCount())
			return true, m.refundAll(tx, ReasonMassDisconnect, session.Ended)
		}
		if !deadlinePassed(s, now) {
			return false, nil
		}
		switch s.State {
		case session.RoleRevealed:
			m.openDiscussion(tx)
		case session.Discussion:
			m.openVoting(tx, "")
		case session.Voting:
			if err := m.tally(tx); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	return false, nil
}

// checkHost hands an abandoned lobby to the earliest-joined participant
// who is still around, or cancels it if nobody is.
func (m *Monitor) checkHost(tx *ledger.Tx) (bool, error) {
	s := tx.Session()
	now := tx.Now()
	if m.rules.HostInactivity <= 0 {
		return false, nil
	}
	host, ok := s.Participant(s.Creator)
	if !ok || now.Sub(host.LastSeen) < m.rules.HostInactivity {
		return false, nil
	}
	for _, p := range s.Participants {
		if p.Identity == s.Creator || p.Disconnected || now.Sub(p.LastSeen) >= m.rules.HostInactivity {
			continue
		}
		previous := s.Creator
		s.Creator = p.Identity
		tx.Emit(session.HostChangedEvent{Previous: previous, Creator: p.Identity, Reason: ReasonHostAbandoned})
		m.logger.Info("Host promoted", "session", s.ID, "previous", previous, "creator", p.Identity)
		return true, nil
	}
	m.logger.Info("Lobby abandoned by host", "session", s.ID)
	return true, m.refundAll(tx, ReasonHostAbandoned, session.Cancelled)
}
