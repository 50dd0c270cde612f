package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dotside-studios/nfc-relay/protocol"
	"github.com/dotside-studios/nfc-relay/transport"
)

var errSecretSpace = errors.New("server: no free session secret")

// client is one connected relay device. Its messages are handled in order
// on the connection's read loop.
type client struct {
	id   string
	conn transport.Conn
	srv  *Server
	log  zerolog.Logger

	session *session // guarded by srv.mu
}

func (c *client) HandleBytes(b []byte) { c.srv.handle(c, b) }
func (c *client) OnBrokenPipe()        { c.log.Info().Msg("connection lost") }

func (c *client) send(env *protocol.Envelope) {
	if err := c.conn.Send(protocol.MustEncode(env)); err != nil {
		c.log.Warn().Err(err).Stringer("kind", env.Kind()).Msg("send")
	}
}

// session pairs at most two clients.
type session struct {
	secret  string
	members []*client
}

func (s *session) partner(c *client) *client {
	for _, m := range s.members {
		if m != c {
			return m
		}
	}
	return nil
}

func (s *session) remove(c *client) {
	for i, m := range s.members {
		if m == c {
			s.members = append(s.members[:i], s.members[i+1:]...)
			return
		}
	}
}

func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("server: generate secret: %w", err)
	}
	for i := range b {
		b[i] = secretAlphabet[int(b[i])%len(secretAlphabet)]
	}
	return string(b), nil
}

// newSecret reserves a fresh secret in the store.
func (s *Server) newSecret(owner string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	for i := 0; i < secretAttempts; i++ {
		secret, err := randomSecret(s.cfg.SecretLength)
		if err != nil {
			return "", err
		}
		ok, err := s.store.Reserve(ctx, secret, owner)
		if err != nil {
			return "", fmt.Errorf("server: reserve secret: %w", err)
		}
		if !ok {
			continue
		}
		// a local session can outlive its reservation's TTL
		s.mu.Lock()
		_, taken := s.sessions[secret]
		s.mu.Unlock()
		if !taken {
			return secret, nil
		}
	}
	return "", errSecretSpace
}

func (s *Server) releaseSecret(secret string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.Release(ctx, secret); err != nil {
		s.log.Warn().Err(err).Str("secret", secret).Msg("release secret")
	}
}

func (s *Server) touchSecret(secret string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.Touch(ctx, secret); err != nil {
		s.log.Debug().Err(err).Str("secret", secret).Msg("touch secret")
	}
}

// detach removes c from its session. It returns the remaining partner and
// whether the session was dropped. Callers hold s.mu.
func (s *Server) detach(c *client) (peer *client, secret string, dropped bool) {
	sess := c.session
	if sess == nil {
		return nil, "", false
	}
	c.session = nil
	sess.remove(c)
	if len(sess.members) == 0 {
		delete(s.sessions, sess.secret)
		return nil, sess.secret, true
	}
	return sess.members[0], sess.secret, false
}

// disconnect drops a client that went away and tells its partner.
func (s *Server) disconnect(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	peer, secret, dropped := s.detach(c)
	s.mu.Unlock()

	if peer != nil {
		peer.send(protocol.NewSession(protocol.SessionPeerLeft))
	}
	if dropped {
		s.releaseSecret(secret)
		s.log.Info().Str("secret", secret).Msg("session closed")
	}
}
