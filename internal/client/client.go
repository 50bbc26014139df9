package client

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"cipherbackup/internal/buffer"
	"cipherbackup/internal/config"
	"cipherbackup/internal/crypto"
	"cipherbackup/internal/errors"
	"cipherbackup/internal/logging"
	"cipherbackup/internal/progress"
	"cipherbackup/internal/protocol"
)

// transferJob is one file to back up: the plaintext, its checksum, and
// the retry budget. Counters travel by value into each attempt; restarts
// are bounded loops, never recursion.
type transferJob struct {
	filename string
	plain    []byte
	checksum uint32
}

// Run starts the client with the given configuration, wiring a console
// progress reporter. This is the CLI entry point; embedders call
// RunBackup with their own callbacks.
func Run(cfg *config.Config) error {
	stats := &progress.Stats{
		StartTime: time.Now(),
		Filename:  filepath.Base(cfg.FilePath),
	}

	var reporter *progress.Reporter
	cb := &progress.Callbacks{
		OnProgress: func(done, total int64, phase string) {
			stats.TotalBytes.Store(total)
			stats.TransferredBytes.Store(done)
		},
		OnPhaseChange: func(phase string) {
			slog.Info("Phase change", "phase", phase)
			if phase == progress.PhaseTransferring && cfg.ShowProgress && reporter == nil {
				reporter = progress.NewReporter(stats)
				reporter.Start()
			}
		},
	}

	err := RunBackup(cfg, cb)
	if reporter != nil {
		reporter.Stop()
	}

	if err == nil {
		logging.LogTransferComplete(stats.Filename, stats.GetTransferred(), time.Since(stats.StartTime))
	}
	logging.LogSessionEnd(err == nil, stats.GetTransferred(), time.Since(stats.StartTime))
	return err
}

// RunBackup performs one backup of cfg.FilePath to cfg.ServerAddress:
// register or reconnect, exchange keys, transfer encrypted chunks, verify
// the checksum, finalize. The returned error carries the failure taxonomy
// kind; nil means the server acknowledged the verified file.
func RunBackup(cfg *config.Config, cb *progress.Callbacks) error {
	cb.NotifyPhase(progress.PhaseInit)

	job, err := loadJob(cfg.FilePath)
	if err != nil {
		cb.NotifyPhase(progress.PhaseFailed)
		return err
	}

	mgr, err := newChunkManager(cfg)
	if err != nil {
		cb.NotifyPhase(progress.PhaseFailed)
		return err
	}

	// Pre-flight: the packet count must fit the wire field even at the
	// smallest ladder size the transfer could shrink to.
	if _, err := buffer.TotalPackets(int64(len(job.plain))+64, cfg.MinChunkSize); err != nil {
		cb.NotifyPhase(progress.PhaseFailed)
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.FileRetries; attempt++ {
		if attempt > 1 {
			slog.Warn("Restarting transfer", "attempt", attempt, "error", lastErr)
		}

		err := runAttempt(cfg, cb, job, mgr)
		if err == nil {
			cb.NotifyPhase(progress.PhaseComplete)
			return nil
		}
		lastErr = err

		// Only network and generic server failures warrant a fresh
		// attempt; protocol, crypto, auth and integrity failures
		// cannot self-heal by retrying.
		if !stderrors.Is(err, errors.ErrNetwork) && !stderrors.Is(err, errors.ErrServer) {
			break
		}
	}

	cb.NotifyPhase(progress.PhaseFailed)
	return lastErr
}

// loadJob reads and validates the source file.
func loadJob(path string) (*transferJob, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.NewFileSystemError("stat", path, err)
	}
	if info.IsDir() {
		return nil, errors.NewValidationError("file_path", path, "cannot back up directories")
	}
	if info.Size() > math.MaxUint32 {
		return nil, errors.NewValidationError("file_size", info.Size(), "file size exceeds the 32-bit wire field")
	}

	filename := filepath.Base(path)
	if err := protocol.ValidateName(filename); err != nil {
		return nil, err
	}

	plain, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewFileSystemError("read", path, err)
	}

	return &transferJob{
		filename: filename,
		plain:    plain,
		checksum: crypto.Checksum(plain),
	}, nil
}

// newChunkManager builds the buffer manager for the selected strategy.
// The robust strategy pins the ladder to its minimum entry, so the chunk
// size never moves.
func newChunkManager(cfg *config.Config) (*buffer.Manager, error) {
	opts := buffer.Options{
		MinChunkSize: cfg.MinChunkSize,
		MaxChunkSize: cfg.MaxChunkSize,
	}
	if cfg.Strategy == config.StrategyRobust {
		opts.MaxChunkSize = cfg.MinChunkSize
	}
	return buffer.NewManager(opts)
}

// runAttempt is one full transfer attempt on one connection: handshake,
// then up to the checksum-retry budget of full transmissions.
func runAttempt(cfg *config.Config, cb *progress.Callbacks, job *transferJob, mgr *buffer.Manager) error {
	sess, err := establish(cfg, cb)
	if err != nil {
		return err
	}
	defer sess.Close()

	cipher, err := crypto.NewCipher(sess.sessionKey, cfg.LegacyCipher)
	if err != nil {
		return err
	}
	ciphertext, err := cipher.Encrypt(job.plain)
	if err != nil {
		return err
	}

	for crcRetry := 0; crcRetry <= cfg.ChecksumRetries; crcRetry++ {
		serverSum, err := sendFile(sess, cb, job, ciphertext, mgr)
		if err != nil {
			return err
		}

		cb.NotifyPhase(progress.PhaseVerifying)

		if serverSum == job.checksum {
			return finalize(sess, job)
		}

		slog.Warn("Checksum mismatch",
			"filename", job.filename,
			"local", fmt.Sprintf("%08x", job.checksum),
			"server", fmt.Sprintf("%08x", serverSum),
			"crc_retry", crcRetry+1)

		nameField, nerr := protocol.EncodeName(job.filename)
		if nerr != nil {
			return nerr
		}

		if crcRetry < cfg.ChecksumRetries {
			// Tell the server a full retransmission is coming so both
			// sides stay synchronized, then go again.
			if err := expectAck(sess, protocol.CodeCRCRetry, nameField); err != nil {
				return err
			}
			continue
		}

		// Budget exhausted: abort explicitly so the server drops the
		// partial upload instead of waiting for the sweep.
		if err := expectAck(sess, protocol.CodeCRCAbort, nameField); err != nil {
			slog.Warn("Abort notice failed", "error", err)
		}
		return errors.NewIntegrityError(job.filename, job.checksum, serverSum)
	}
	return errors.NewIntegrityError(job.filename, job.checksum, 0)
}

// sendFile transmits the whole ciphertext as numbered chunks and returns
// the server's checksum of the reassembled plaintext. The chunk size is
// captured once per transmission; adaptation feedback applies to the next
// one.
func sendFile(sess *session, cb *progress.Callbacks, job *transferJob,
	ciphertext []byte, mgr *buffer.Manager) (uint32, error) {

	cb.NotifyPhase(progress.PhaseTransferring)

	chunkSize := mgr.ChunkSize()
	count, err := buffer.TotalPackets(int64(len(ciphertext)), chunkSize)
	if err != nil {
		return 0, err
	}

	total := int64(len(ciphertext))
	var sent int64
	index := uint16(0)

	for off := 0; off < len(ciphertext); off += chunkSize {
		end := off + chunkSize
		if end > len(ciphertext) {
			end = len(ciphertext)
		}
		index++

		pkt := protocol.ChunkPayload{
			OrigFileSize: uint32(len(job.plain)),
			PacketIndex:  index,
			PacketCount:  count,
			Filename:     job.filename,
			Chunk:        ciphertext[off:end],
		}
		payload, err := pkt.Encode()
		if err != nil {
			return 0, err
		}

		start := time.Now()
		sendErr := sess.send(protocol.CodeSendFileChunk, payload)
		mgr.Record(int64(end-off), time.Since(start), sendErr == nil)
		if sendErr != nil {
			return 0, sendErr
		}

		sent += int64(end - off)
		cb.NotifyProgress(sent, total, progress.PhaseTransferring)
	}

	// The server answers only after the final packet.
	hdr, payload, err := sess.readResponse()
	if err != nil {
		return 0, err
	}
	switch hdr.Code {
	case protocol.CodeFileChecksum:
		resp, err := protocol.DecodeChecksumPayload(payload)
		if err != nil {
			return 0, err
		}
		if resp.Filename != job.filename {
			return 0, errors.NewProtocolError("send_file",
				fmt.Sprintf("checksum response for %q, expected %q", resp.Filename, job.filename), nil)
		}
		return resp.Checksum, nil
	case protocol.CodeGenericError:
		return 0, errors.NewServerError("send_file", string(payload))
	default:
		return 0, errors.NewProtocolError("send_file",
			fmt.Sprintf("unexpected response code %d", hdr.Code), nil)
	}
}

// finalize reports the verified checksum and waits for the server's ack.
func finalize(sess *session, job *transferJob) error {
	nameField, err := protocol.EncodeName(job.filename)
	if err != nil {
		return err
	}
	if err := expectAck(sess, protocol.CodeCRCOK, nameField); err != nil {
		return err
	}
	slog.Info("Backup acknowledged", "filename", job.filename, "bytes", len(job.plain))
	return nil
}

// expectAck sends one request and requires an ack response.
func expectAck(sess *session, code uint16, payload []byte) error {
	hdr, resp, err := sess.request(code, payload)
	if err != nil {
		return err
	}
	switch hdr.Code {
	case protocol.CodeAck:
		return nil
	case protocol.CodeGenericError:
		return errors.NewServerError("finalize", string(resp))
	default:
		return errors.NewProtocolError("finalize",
			fmt.Sprintf("unexpected response code %d", hdr.Code), nil)
	}
}
