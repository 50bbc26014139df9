package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cipherbackup/internal/config"
	"cipherbackup/internal/errors"
)

// Setup initializes structured logging with file and console output
func Setup() error {
	if err := os.MkdirAll("logs", config.LogDirPerms); err != nil {
		return errors.NewFileSystemError("mkdir", "logs", err)
	}

	logFileName := filepath.Join("logs",
		"cipherbackup_"+time.Now().Format("20060102_150405")+".log")

	logFile, err := os.Create(logFileName)
	if err != nil {
		// Continue with console logging only
		slog.Warn("Failed to create log file, using console only", "error", err)
		return nil
	}

	multiWriter := io.MultiWriter(os.Stdout, logFile)

	opts := &slog.HandlerOptions{
		Level:     slog.LevelInfo,
		AddSource: false,
	}

	handler := slog.NewTextHandler(multiWriter, opts)
	slog.SetDefault(slog.New(handler))

	slog.Info("Logging initialized", "session_id", time.Now().Format("20060102_150405"))
	return nil
}

// LogConfig logs the current configuration
func LogConfig(cfg *config.Config) {
	mode := "Client"
	if cfg.IsServer {
		mode = "Server"
	}

	slog.Info("Configuration loaded",
		"mode", mode,
		"strategy", cfg.Strategy,
		"legacy_cipher", cfg.LegacyCipher,
		"chunk_min_kb", cfg.MinChunkSize/1024,
		"chunk_max_kb", cfg.MaxChunkSize/1024)

	if cfg.IsServer {
		slog.Info("Server configuration",
			"listen_address", cfg.ListenAddress,
			"output_dir", cfg.OutputDir,
			"session_timeout", cfg.SessionTimeout,
			"upload_timeout", cfg.UploadTimeout)
	} else {
		slog.Info("Client configuration",
			"server_address", cfg.ServerAddress,
			"client_name", cfg.ClientName,
			"identity_file", cfg.IdentityFile)
	}
}

// LogError logs an error with its taxonomy kind and context. User-visible
// output stays kind + cause, never a stack trace.
func LogError(err error, context string) {
	slog.Error("Operation failed",
		"context", context,
		"error_type", errors.Kind(err),
		"cause", err.Error())
}

// LogTransferComplete logs successful transfer completion
func LogTransferComplete(filename string, size int64, duration time.Duration) {
	rate := float64(size) / (1024 * 1024) / duration.Seconds()
	slog.Info("Transfer completed successfully",
		"filename", filename,
		"total_size_mb", float64(size)/(1024*1024),
		"duration_seconds", int(duration.Seconds()),
		"average_rate_mbps", rate)
}

// LogSessionEnd logs the end of a backup attempt
func LogSessionEnd(success bool, totalBytes int64, duration time.Duration) {
	status := "SUCCESS"
	if !success {
		status = "FAILED"
	}

	slog.Info("Backup session ended",
		"status", status,
		"total_bytes_transferred", totalBytes,
		"session_duration_seconds", int(duration.Seconds()))
}
