package server

import (
	"github.com/dotside-studios/nfc-relay/protocol"
)

// handle dispatches one inbound message from c. Only session requests,
// relay-data blobs and keepalives are meant for the server; everything the
// peers exchange travels inside a blob.
func (s *Server) handle(c *client, b []byte) {
	env, err := protocol.Decode(b)
	if err != nil {
		c.log.Warn().Err(err).Msg("malformed message")
		c.send(protocol.NewStatus(protocol.StatusInvalidMsgFormat))
		return
	}

	switch env.Kind() {
	case protocol.KindSession:
		s.handleSession(c, env.Session)
	case protocol.KindRelayData:
		s.handleData(c, env.Data, b)
	case protocol.KindStatus:
		s.handleStatus(c, env.Status)
	default:
		c.log.Warn().Stringer("kind", env.Kind()).Msg("unexpected message for server")
		c.send(protocol.NewStatus(protocol.StatusUnknownMessage))
	}
}

func (s *Server) handleSession(c *client, m *protocol.Session) {
	switch m.Opcode {
	case protocol.SessionCreate:
		s.createSession(c)
	case protocol.SessionJoin:
		s.joinSession(c, m.SecretValue())
	case protocol.SessionLeave:
		s.leaveSession(c)
	default:
		c.log.Warn().Stringer("opcode", m.Opcode).Msg("unexpected session opcode")
		c.send(protocol.NewStatus(protocol.StatusUnknownMessage))
	}
}

func (s *Server) createSession(c *client) {
	s.mu.Lock()
	inSession := c.session != nil
	full := len(s.sessions) >= s.cfg.MaxSessions
	s.mu.Unlock()

	switch {
	case inSession:
		c.send(protocol.NewSessionError(protocol.SessionCreateFail, protocol.SessionCreateUnknown))
		return
	case full:
		c.log.Warn().Int("max", s.cfg.MaxSessions).Msg("session limit reached")
		c.send(protocol.NewSessionError(protocol.SessionCreateFail, protocol.SessionCreateMaxSessions))
		return
	}

	secret, err := s.newSecret(c.id)
	if err != nil {
		c.log.Error().Err(err).Msg("create session")
		c.send(protocol.NewSessionError(protocol.SessionCreateFail, protocol.SessionCreateUnknown))
		return
	}

	s.mu.Lock()
	if len(s.sessions) >= s.cfg.MaxSessions {
		s.mu.Unlock()
		s.releaseSecret(secret)
		c.send(protocol.NewSessionError(protocol.SessionCreateFail, protocol.SessionCreateMaxSessions))
		return
	}
	sess := &session{secret: secret, members: []*client{c}}
	s.sessions[secret] = sess
	c.session = sess
	s.mu.Unlock()

	c.log.Info().Str("secret", secret).Msg("session created")
	c.send(protocol.NewSessionWithSecret(protocol.SessionCreateSuccess, secret))
}

func (s *Server) joinSession(c *client, secret string) {
	s.mu.Lock()
	var code protocol.SessionErrorCode
	sess := s.sessions[secret]
	switch {
	case c.session != nil:
		code = protocol.SessionJoinUnknown
	case sess == nil:
		code = protocol.SessionJoinUnknownSecret
	case len(sess.members) >= 2:
		code = protocol.SessionJoinSessionFull
	}
	if code != protocol.SessionNoError {
		s.mu.Unlock()
		c.log.Info().Str("secret", secret).Stringer("code", code).Msg("join refused")
		c.send(protocol.NewSessionError(protocol.SessionJoinFail, code))
		return
	}
	peer := sess.partner(c)
	sess.members = append(sess.members, c)
	c.session = sess
	s.mu.Unlock()

	c.log.Info().Str("secret", secret).Msg("session joined")
	c.send(protocol.NewSessionWithSecret(protocol.SessionJoinSuccess, secret))
	if peer != nil {
		c.send(protocol.NewSession(protocol.SessionPeerJoined))
		peer.send(protocol.NewSession(protocol.SessionPeerJoined))
	}
}

func (s *Server) leaveSession(c *client) {
	s.mu.Lock()
	if c.session == nil {
		s.mu.Unlock()
		c.send(protocol.NewSessionError(protocol.SessionLeaveFail, protocol.SessionLeaveNotInSession))
		return
	}
	peer, secret, dropped := s.detach(c)
	s.mu.Unlock()

	c.log.Info().Str("secret", secret).Msg("session left")
	c.send(protocol.NewSession(protocol.SessionLeaveSuccess))
	if peer != nil {
		peer.send(protocol.NewSession(protocol.SessionPeerLeft))
	}
	if dropped {
		s.releaseSecret(secret)
	}
}

// handleData forwards a blob to the sender's partner unchanged.
func (s *Server) handleData(c *client, d *protocol.RelayData, raw []byte) {
	if d.Blob == nil {
		if d.ErrCode != nil {
			c.log.Warn().Stringer("code", *d.ErrCode).Msg("client reported relay error")
			return
		}
		c.send(protocol.NewStatus(protocol.StatusInvalidMsgFormat))
		return
	}

	s.mu.Lock()
	sess := c.session
	var peer *client
	var secret string
	if sess != nil {
		peer = sess.partner(c)
		secret = sess.secret
	}
	s.mu.Unlock()

	if sess == nil {
		c.send(protocol.NewDataError(protocol.DataNoSession))
		return
	}
	if peer == nil {
		c.send(protocol.NewDataError(protocol.DataTransmissionFailed))
		return
	}
	if err := peer.conn.Send(raw); err != nil {
		c.log.Warn().Err(err).Str("peer", peer.id).Msg("forward failed")
		c.send(protocol.NewDataError(protocol.DataTransmissionFailed))
		return
	}
	s.touchSecret(secret)
	if s.cfg.AckForwards {
		c.send(protocol.NewDataError(protocol.DataNoError))
	}
}

func (s *Server) handleStatus(c *client, m *protocol.Status) {
	switch m.Code {
	case protocol.StatusKeepaliveReq:
		c.send(protocol.NewStatus(protocol.StatusKeepaliveRep))
	case protocol.StatusKeepaliveRep:
		c.log.Debug().Msg("keepalive reply")
	case protocol.StatusNotImplemented, protocol.StatusUnknownError,
		protocol.StatusUnknownMessage, protocol.StatusInvalidMsgFormat:
		c.log.Warn().Stringer("code", m.Code).Msg("client reported error")
	default:
		// peer-directed statuses must travel inside a blob
		c.send(protocol.NewStatus(protocol.StatusUnknownMessage))
	}
}
