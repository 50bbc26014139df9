package client

import (
	"bufio"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"time"

	"cipherbackup/internal/config"
	"cipherbackup/internal/crypto"
	"cipherbackup/internal/errors"
	"cipherbackup/internal/identity"
	"cipherbackup/internal/network"
	"cipherbackup/internal/progress"
	"cipherbackup/internal/protocol"
)

// session is one established connection with a negotiated session key.
// Requests and responses on it are strictly sequential.
type session struct {
	conn        net.Conn
	reader      *bufio.Reader
	cfg         *config.Config
	id          protocol.ClientID
	name        string
	priv        *rsa.PrivateKey
	sessionKey  []byte
	reconnected bool
}

func (s *session) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

// request writes one frame and reads the single response frame, with a
// bounded read deadline. No pipelining.
func (s *session) request(code uint16, payload []byte) (protocol.ResponseHeader, []byte, error) {
	if err := protocol.WriteRequest(s.conn, s.id, code, payload); err != nil {
		return protocol.ResponseHeader{}, nil, err
	}
	return s.readResponse()
}

// send writes one frame without expecting an immediate response.
func (s *session) send(code uint16, payload []byte) error {
	return protocol.WriteRequest(s.conn, s.id, code, payload)
}

func (s *session) readResponse() (protocol.ResponseHeader, []byte, error) {
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	defer s.conn.SetReadDeadline(time.Time{})
	return protocol.ReadResponse(s.reader)
}

// dial attempts the TCP connect with bounded retries and a fixed delay
// between attempts.
func dial(cfg *config.Config) (net.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= cfg.ConnectRetries; attempt++ {
		if attempt > 1 {
			time.Sleep(cfg.ConnectDelay)
		}

		conn, err := network.Dial(cfg.ServerAddress, cfg.DialTimeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		slog.Warn("Connect attempt failed",
			"address", cfg.ServerAddress, "attempt", attempt, "error", err)
	}
	return nil, lastErr
}

// establish dials the server and negotiates a session key: reconnection
// with stored identity when available, falling back to fresh registration
// when the server rejects it.
func establish(cfg *config.Config, cb *progress.Callbacks) (*session, error) {
	cb.NotifyPhase(progress.PhaseConnecting)
	conn, err := dial(cfg)
	if err != nil {
		return nil, err
	}

	sess := &session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		cfg:    cfg,
		name:   cfg.ClientName,
	}

	if stored, err := identity.Load(cfg.IdentityFile); err == nil && stored.Name == cfg.ClientName {
		ok, err := sess.reconnect(stored, cb)
		if err != nil {
			sess.Close()
			return nil, err
		}
		if ok {
			return sess, nil
		}
		// Server does not recognize the stored identity; it is stale.
		slog.Info("Stored identity rejected, registering fresh")
		identity.Remove(cfg.IdentityFile)
	}

	if err := sess.register(cb); err != nil {
		sess.Close()
		return nil, err
	}
	return sess, nil
}

// reconnect presents the stored identity. Returns false when the server
// rejects it and registration should be attempted instead.
func (s *session) reconnect(stored *identity.Identity, cb *progress.Callbacks) (bool, error) {
	id, err := stored.ID()
	if err != nil {
		return false, nil // corrupt identity file, fall back
	}
	priv, err := stored.Key()
	if err != nil {
		return false, nil
	}

	cb.NotifyPhase(progress.PhaseReconnecting)

	nameField, err := protocol.EncodeName(stored.Name)
	if err != nil {
		return false, err
	}

	s.id = id
	hdr, payload, err := s.request(protocol.CodeReconnect, nameField)
	if err != nil {
		s.id = protocol.ClientID{}
		return false, err
	}

	switch hdr.Code {
	case protocol.CodeReconnectKeySent:
		sent, err := protocol.DecodeKeySentPayload(payload)
		if err != nil {
			return false, err
		}
		key, err := crypto.UnwrapSessionKey(priv, sent.WrappedKey)
		if err != nil {
			return false, err
		}
		s.priv = priv
		s.sessionKey = key
		s.reconnected = true
		slog.Info("Reconnected with stored identity", "client_id", hex.EncodeToString(id[:]))
		return true, nil

	case protocol.CodeReconnectFail:
		s.id = protocol.ClientID{}
		return false, nil

	case protocol.CodeGenericError:
		s.id = protocol.ClientID{}
		return false, errors.NewServerError("reconnect", string(payload))

	default:
		return false, errors.NewProtocolError("reconnect",
			fmt.Sprintf("unexpected response code %d", hdr.Code), nil)
	}
}

// register performs fresh registration followed by the public-key
// exchange, then persists the new identity.
func (s *session) register(cb *progress.Callbacks) error {
	cb.NotifyPhase(progress.PhaseRegistering)

	nameField, err := protocol.EncodeName(s.name)
	if err != nil {
		return err
	}

	// Registration goes out under the zero identifier; the server
	// allocates and returns the real one.
	s.id = protocol.ClientID{}
	hdr, payload, err := s.request(protocol.CodeRegister, nameField)
	if err != nil {
		return err
	}

	switch hdr.Code {
	case protocol.CodeRegisterOK:
		if len(payload) != protocol.ClientIDSize {
			return errors.NewProtocolError("register",
				fmt.Sprintf("identifier payload is %d bytes, want %d", len(payload), protocol.ClientIDSize), nil)
		}
		copy(s.id[:], payload)
	case protocol.CodeRegisterFail:
		return errors.NewAuthenticationError("register", s.name, "server rejected registration, name may be taken")
	case protocol.CodeGenericError:
		return errors.NewServerError("register", string(payload))
	default:
		return errors.NewProtocolError("register",
			fmt.Sprintf("unexpected response code %d", hdr.Code), nil)
	}

	slog.Info("Registered", "name", s.name, "client_id", hex.EncodeToString(s.id[:]))
	return s.exchangeKeys(cb)
}

// exchangeKeys generates a key pair, sends the public key, and unwraps
// the returned session key.
func (s *session) exchangeKeys(cb *progress.Callbacks) error {
	cb.NotifyPhase(progress.PhaseKeyExchange)

	priv, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}

	kx := protocol.KeyExchangePayload{
		Name:      s.name,
		PublicKey: crypto.MarshalPublicKey(&priv.PublicKey),
	}
	payload, err := kx.Encode()
	if err != nil {
		return err
	}

	hdr, resp, err := s.request(protocol.CodeSendPublicKey, payload)
	if err != nil {
		return err
	}

	switch hdr.Code {
	case protocol.CodeKeySent:
		sent, err := protocol.DecodeKeySentPayload(resp)
		if err != nil {
			return err
		}
		key, err := crypto.UnwrapSessionKey(priv, sent.WrappedKey)
		if err != nil {
			return err
		}
		s.priv = priv
		s.sessionKey = key
	case protocol.CodeGenericError:
		return errors.NewServerError("key_exchange", string(resp))
	default:
		return errors.NewProtocolError("key_exchange",
			fmt.Sprintf("unexpected response code %d", hdr.Code), nil)
	}

	if err := identity.Save(identity.New(s.name, s.id, priv), s.cfg.IdentityFile); err != nil {
		// A lost identity file only costs a re-registration next run.
		slog.Warn("Failed to persist identity", "error", err)
	}
	return nil
}
