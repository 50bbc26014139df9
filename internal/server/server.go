package server

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"cipherbackup/internal/config"
	"cipherbackup/internal/crypto"
	"cipherbackup/internal/errors"
	"cipherbackup/internal/network"
	"cipherbackup/internal/protocol"
	"cipherbackup/internal/storage"
)

// Server accepts client connections and drives the backup protocol: one
// handler goroutine per connection, all sharing the session registry and
// the partial-upload table.
type Server struct {
	cfg      *config.Config
	registry *Registry
	uploads  *UploadTable
	store    *storage.Store

	listener net.Listener
	ready    chan struct{}
	connSeq  atomic.Uint64
}

// New creates a server and its output store.
func New(cfg *config.Config) (*Server, error) {
	store, err := storage.NewStore(cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		uploads:  NewUploadTable(),
		store:    store,
		ready:    make(chan struct{}),
	}, nil
}

// Run listens and serves until ctx is cancelled. The accept loop and the
// expiry sweeper run under one errgroup.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return errors.NewNetworkError("listen", s.cfg.ListenAddress, err)
	}
	s.listener = listener
	close(s.ready)

	slog.Info("Server ready to accept connections", "address", listener.Addr().String())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})

	g.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return nil
				default:
					return errors.NewNetworkError("accept", s.cfg.ListenAddress, err)
				}
			}
			go s.handleConnection(conn)
		}
	})

	g.Go(func() error {
		s.sweep(ctx)
		return nil
	})

	return g.Wait()
}

// Addr returns the bound listen address, blocking until the listener is up.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.listener.Addr()
}

// sweep periodically expires idle sessions and stale partial uploads to
// bound memory.
func (s *Server) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.registry.RemoveExpired(s.cfg.SessionTimeout)
			s.uploads.RemoveStale(s.cfg.UploadTimeout)
		case <-ctx.Done():
			return
		}
	}
}

// handleConnection runs the request loop for one client connection.
// Malformed frames and version mismatches terminate the connection;
// unknown codes get a generic error response so version skew stays
// diagnosable.
func (s *Server) handleConnection(conn net.Conn) {
	connID := s.connSeq.Add(1)
	remoteAddr := conn.RemoteAddr().String()
	slog.Info("New connection", "remote_addr", remoteAddr, "conn_id", connID)

	defer func() {
		// Closing releases upload ownership so a reconnecting client
		// can take over, and the sweep can reclaim the buffers.
		s.uploads.ReleaseOwner(connID)
		conn.Close()
	}()

	if err := network.OptimizeTCPConnection(conn); err != nil {
		slog.Warn("Failed to optimize TCP connection", "error", err)
	}

	reader := bufio.NewReader(conn)

	// Verified plaintexts awaiting the client's crc_ok. The protocol is
	// strictly sequential per connection, so this never needs sharing.
	pending := make(map[string][]byte)

	// Only the first read is deadline-bounded; idle registered
	// connections are handled by the session sweep, not hard deadlines.
	first := true

	for {
		if first {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		hdr, payload, err := protocol.ReadRequest(reader)
		if first {
			conn.SetReadDeadline(time.Time{})
			first = false
		}
		if err != nil {
			if err == io.EOF {
				slog.Info("Connection closed by client", "remote_addr", remoteAddr)
			} else {
				slog.Error("Dropping connection", "remote_addr", remoteAddr, "error", err)
			}
			return
		}

		s.registry.Touch(hdr.ClientID)

		var handlerErr error
		switch hdr.Code {
		case protocol.CodeRegister:
			handlerErr = s.handleRegister(conn, payload)
		case protocol.CodeSendPublicKey:
			handlerErr = s.handleKeyExchange(conn, hdr.ClientID, payload)
		case protocol.CodeReconnect:
			handlerErr = s.handleReconnect(conn, hdr.ClientID, payload)
		case protocol.CodeSendFileChunk:
			handlerErr = s.handleChunk(conn, hdr.ClientID, connID, payload, pending)
		case protocol.CodeCRCOK:
			handlerErr = s.handleVerified(conn, hdr.ClientID, payload, pending)
		case protocol.CodeCRCRetry:
			handlerErr = s.handleRetry(conn, hdr.ClientID, payload, pending)
		case protocol.CodeCRCAbort:
			handlerErr = s.handleAbort(conn, hdr.ClientID, payload, pending)
		default:
			slog.Warn("Unknown message code", "code", hdr.Code, "remote_addr", remoteAddr)
			handlerErr = protocol.WriteResponse(conn, protocol.CodeGenericError, []byte("unknown message code"))
		}

		if handlerErr != nil {
			slog.Error("Dropping connection", "remote_addr", remoteAddr, "error", handlerErr)
			return
		}
	}
}

// respondError sends a generic error with a short cause. The connection
// stays open; the client's retry logic decides what happens next.
func respondError(conn net.Conn, message string) error {
	return protocol.WriteResponse(conn, protocol.CodeGenericError, []byte(message))
}

func (s *Server) handleRegister(conn net.Conn, payload []byte) error {
	name, err := protocol.DecodeName(payload)
	if err != nil {
		return err
	}

	id, err := s.registry.Register(name)
	if err != nil {
		slog.Warn("Registration rejected", "name", name, "error", err)
		return protocol.WriteResponse(conn, protocol.CodeRegisterFail, nil)
	}

	slog.Info("Client registered", "name", name, "client_id", hex.EncodeToString(id[:]))
	return protocol.WriteResponse(conn, protocol.CodeRegisterOK, id[:])
}

func (s *Server) handleKeyExchange(conn net.Conn, id protocol.ClientID, payload []byte) error {
	kx, err := protocol.DecodeKeyExchangePayload(payload)
	if err != nil {
		return err
	}

	sess, ok := s.registry.Lookup(id)
	if !ok {
		return respondError(conn, "unknown client identifier")
	}
	if sess.Name != kx.Name {
		return respondError(conn, "name does not match registered identity")
	}

	pub, err := crypto.UnmarshalPublicKey(kx.PublicKey)
	if err != nil {
		return respondError(conn, "unparseable public key")
	}

	sessionKey, err := crypto.NewSessionKey()
	if err != nil {
		return err
	}
	wrapped, err := crypto.WrapSessionKey(pub, sessionKey)
	if err != nil {
		return respondError(conn, "key wrap failed")
	}
	if err := s.registry.SetKeys(id, pub, sessionKey); err != nil {
		return respondError(conn, "unknown client identifier")
	}

	resp := protocol.KeySentPayload{ClientID: id, WrappedKey: wrapped}
	return protocol.WriteResponse(conn, protocol.CodeKeySent, resp.Encode())
}

func (s *Server) handleReconnect(conn net.Conn, id protocol.ClientID, payload []byte) error {
	name, err := protocol.DecodeName(payload)
	if err != nil {
		return err
	}

	sess, ok := s.registry.Lookup(id)
	if !ok || sess.Name != name || sess.PublicKey == nil {
		slog.Info("Reconnect rejected, client must re-register",
			"name", name, "client_id", hex.EncodeToString(id[:]), "known", ok)
		return protocol.WriteResponse(conn, protocol.CodeReconnectFail, id[:])
	}

	sessionKey, err := crypto.NewSessionKey()
	if err != nil {
		return err
	}
	wrapped, err := crypto.WrapSessionKey(sess.PublicKey, sessionKey)
	if err != nil {
		return respondError(conn, "key wrap failed")
	}
	if err := s.registry.SetSessionKey(id, sessionKey); err != nil {
		return protocol.WriteResponse(conn, protocol.CodeReconnectFail, id[:])
	}

	slog.Info("Client reconnected", "name", name, "client_id", hex.EncodeToString(id[:]))
	resp := protocol.KeySentPayload{ClientID: id, WrappedKey: wrapped}
	return protocol.WriteResponse(conn, protocol.CodeReconnectKeySent, resp.Encode())
}

func (s *Server) handleChunk(conn net.Conn, id protocol.ClientID, connID uint64,
	payload []byte, pending map[string][]byte) error {

	sess, ok := s.registry.Lookup(id)
	if !ok {
		return respondError(conn, "unknown client identifier")
	}
	if sess.SessionKey == nil {
		return respondError(conn, "no session key exchanged")
	}

	pkt, err := protocol.DecodeChunkPayload(payload)
	if err != nil {
		return err
	}

	assembled, origSize, done, err := s.uploads.Ingest(id, connID, pkt)
	if err != nil {
		if serr, isServer := err.(*errors.ServerError); isServer {
			// Same key owned by another live connection: reject, keep
			// this connection usable.
			return respondError(conn, serr.Message)
		}
		return err
	}
	s.registry.MarkTransferring(id)
	if !done {
		return nil
	}

	cipher, err := crypto.NewCipher(sess.SessionKey, s.cfg.LegacyCipher)
	if err != nil {
		return respondError(conn, "session key unusable")
	}
	plain, err := cipher.Decrypt(assembled)
	if err != nil {
		slog.Warn("Upload decryption failed", "filename", pkt.Filename, "error", err)
		return respondError(conn, "decryption failed")
	}
	if uint32(len(plain)) != origSize {
		return errors.NewProtocolError("handle_chunk",
			fmt.Sprintf("reassembled plaintext for %q is %d bytes, header declared %d",
				pkt.Filename, len(plain), origSize), nil)
	}

	sum := crypto.Checksum(plain)
	pending[pkt.Filename] = plain

	slog.Info("Upload reassembled",
		"filename", pkt.Filename,
		"packets", pkt.PacketCount,
		"plaintext_bytes", len(plain),
		"checksum", sum)

	resp := protocol.ChecksumPayload{Filename: pkt.Filename, Checksum: sum}
	out, err := resp.Encode()
	if err != nil {
		return err
	}
	return protocol.WriteResponse(conn, protocol.CodeFileChecksum, out)
}

func (s *Server) handleVerified(conn net.Conn, id protocol.ClientID,
	payload []byte, pending map[string][]byte) error {

	filename, err := protocol.DecodeName(payload)
	if err != nil {
		return err
	}

	plain, ok := pending[filename]
	if !ok {
		return respondError(conn, "no verified upload for this filename")
	}

	path, err := s.store.Persist(hex.EncodeToString(id[:]), filename, plain)
	if err != nil {
		slog.Error("Failed to persist verified upload", "filename", filename, "error", err)
		return respondError(conn, "storage failure")
	}
	delete(pending, filename)

	slog.Info("Backup persisted", "filename", filename, "path", path, "bytes", len(plain))
	return protocol.WriteResponse(conn, protocol.CodeAck, nil)
}

func (s *Server) handleRetry(conn net.Conn, id protocol.ClientID,
	payload []byte, pending map[string][]byte) error {

	filename, err := protocol.DecodeName(payload)
	if err != nil {
		return err
	}

	// The client saw a checksum mismatch and will retransmit the whole
	// file; everything assembled so far is discarded.
	delete(pending, filename)
	s.uploads.Drop(id, filename)

	slog.Warn("Checksum mismatch reported, awaiting retransmission", "filename", filename)
	return protocol.WriteResponse(conn, protocol.CodeAck, nil)
}

func (s *Server) handleAbort(conn net.Conn, id protocol.ClientID,
	payload []byte, pending map[string][]byte) error {

	filename, err := protocol.DecodeName(payload)
	if err != nil {
		return err
	}

	delete(pending, filename)
	s.uploads.Drop(id, filename)

	slog.Warn("Transfer aborted by client", "filename", filename)
	return protocol.WriteResponse(conn, protocol.CodeAck, nil)
}
