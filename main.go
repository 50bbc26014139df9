/*
Cipherbackup is a client/server encrypted file backup utility. A client
encrypts a file under a per-session symmetric key bootstrapped through an
asymmetric key exchange, then streams it to the server in numbered chunks
over a compact binary TCP protocol. The server reassembles the chunks,
verifies a checksum of the decrypted contents against the client's, and
persists the file only after the client confirms the match.

The program operates in two modes:

1. Server Mode: accepts many concurrent clients, tracks their sessions and
partial uploads, and stores verified backups

2. Client Mode: backs up a single file, reconnecting with a stored
identity when one exists
*/
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cipherbackup/internal/client"
	"cipherbackup/internal/config"
	"cipherbackup/internal/logging"
	"cipherbackup/internal/server"
)

func main() {
	if err := logging.Setup(); err != nil {
		slog.Error("Failed to setup logging", "error", err)
		os.Exit(1)
	}

	cfg, err := config.ParseFlags()
	if err != nil {
		slog.Error("Configuration error", "error", err)
		os.Exit(1)
	}

	logging.LogConfig(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.IsServer {
		srv, err := server.New(cfg)
		if err != nil {
			logging.LogError(err, "server")
			os.Exit(1)
		}
		if err := srv.Run(ctx); err != nil {
			logging.LogError(err, "server")
			os.Exit(1)
		}
	} else {
		if err := client.Run(cfg); err != nil {
			logging.LogError(err, "client")
			os.Exit(1)
		}
	}
}
