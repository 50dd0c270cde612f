package relay

import (
	"context"
	"fmt"

	"github.com/dotside-studios/nfc-relay/protocol"
)

// CreateSession asks the server for a new session.
func (e *Engine) CreateSession(ctx context.Context) error {
	return e.call(ctx, e.control, func() error {
		return e.request(CreateRequested, protocol.NewSession(protocol.SessionCreate), NoSession)
	})
}

// JoinSession asks the server to join the session identified by secret.
func (e *Engine) JoinSession(ctx context.Context, secret string) error {
	return e.call(ctx, e.control, func() error {
		err := e.request(JoinRequested, protocol.NewSessionWithSecret(protocol.SessionJoin, secret), NoSession)
		if err == nil {
			e.pendingSecret = secret
		}
		return err
	})
}

// LeaveSession asks the server to end the current session.
func (e *Engine) LeaveSession(ctx context.Context) error {
	return e.call(ctx, e.control, func() error {
		return e.request(LeaveRequested, protocol.NewSession(protocol.SessionLeave), Active)
	})
}

func (e *Engine) request(next Phase, env *protocol.Envelope, want Phase) error {
	cur := e.phase()
	if cur != want {
		return newError(KindProtocolState, env.Session.Opcode.String(),
			fmt.Sprintf("not allowed in phase %s", cur), nil)
	}
	if err := e.emit(env, false); err != nil {
		return err
	}
	e.prevPhase = cur
	e.update(func(s *SessionState) { s.Phase = next })
	return nil
}

// handleSession applies a server session message. Phases only move on
// replies; a failure puts back the phase held before the request.
func (e *Engine) handleSession(s *protocol.Session, fromPeer bool) {
	log := e.log.With().Stringer("opcode", s.Opcode).Logger()

	switch s.Opcode {
	case protocol.SessionCreateSuccess:
		secret := s.SecretValue()
		e.update(func(st *SessionState) {
			st.Phase = Active
			st.SessionID = secret
		})
		log.Info().Msg("session created")
		e.notify.SessionCreated(secret)

	case protocol.SessionJoinSuccess:
		id := s.SecretValue()
		if id == "" {
			id = e.pendingSecret
		}
		e.pendingSecret = ""
		e.update(func(st *SessionState) {
			st.Phase = Active
			st.SessionID = id
		})
		log.Info().Msg("session joined")
		e.notify.SessionJoined()

	case protocol.SessionLeaveSuccess:
		e.update(func(st *SessionState) { st.resetSession() })
		e.prevPhase = NoSession
		log.Info().Msg("session left")
		e.notify.SessionLeft()

	case protocol.SessionCreateFail:
		e.revert(CreateRequested)
		log.Warn().Stringer("code", s.ErrCodeValue()).Msg("session request failed")
		e.notify.SessionCreateFailed(s.ErrCodeValue())

	case protocol.SessionJoinFail:
		e.revert(JoinRequested)
		e.pendingSecret = ""
		log.Warn().Stringer("code", s.ErrCodeValue()).Msg("session request failed")
		e.notify.SessionJoinFailed(s.ErrCodeValue())

	case protocol.SessionLeaveFail:
		e.revert(LeaveRequested)
		log.Warn().Stringer("code", s.ErrCodeValue()).Msg("session request failed")
		e.notify.SessionLeaveFailed(s.ErrCodeValue())

	case protocol.SessionPeerJoined:
		e.setPeerPresent(true)
		log.Info().Msg("peer present")
		e.notify.PeerJoined()

	case protocol.SessionPeerLeft:
		e.setPeerPresent(false)
		log.Info().Msg("peer absent")
		e.notify.PeerLeft()

	case protocol.SessionCreate, protocol.SessionJoin, protocol.SessionLeave:
		e.malformed("session", fmt.Errorf("request opcode %s sent to a client", s.Opcode), fromPeer)

	default:
		e.malformed("session", fmt.Errorf("unknown opcode %d", int32(s.Opcode)), fromPeer)
	}
}

func (e *Engine) revert(requested Phase) {
	if e.phase() != requested {
		return
	}
	prev := e.prevPhase
	e.update(func(st *SessionState) { st.Phase = prev })
}

func (e *Engine) setPeerPresent(present bool) {
	e.update(func(st *SessionState) { st.PeerPresent = present })
}
