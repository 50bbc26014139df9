package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"cipherbackup/internal/errors"
)

// Transfer strategies. Both implement the same transfer contract; the
// variant is selected by configuration, not by subtype dispatch.
type Strategy string

const (
	// StrategyAdaptive adapts the chunk size from throughput feedback.
	StrategyAdaptive Strategy = "adaptive"
	// StrategyRobust pins the chunk size to the ladder minimum.
	StrategyRobust Strategy = "robust"
)

// Constants for default values
const (
	DefaultListenAddr = "0.0.0.0:1357"
	DefaultServerAddr = "localhost:1357"
	DefaultOutputDir  = "./backups"

	DefaultIdentityFile = "identity.json"

	DefaultConnectRetries  = 3
	DefaultConnectDelay    = 2 * time.Second
	DefaultFileRetries     = 3
	DefaultChecksumRetries = 3

	DefaultDialTimeout = 30 * time.Second
	DefaultReadTimeout = 30 * time.Second

	DefaultSessionTimeout = 10 * time.Minute
	DefaultUploadTimeout  = 2 * time.Minute
	DefaultSweepInterval  = 30 * time.Second

	// File system constants
	LogDirPerms   = 0755
	IdentityPerms = 0600
)

// Config holds all configuration parameters for the application.
// YAML tags back the optional config file; flags override file values.
type Config struct {
	// Server mode settings
	IsServer      bool   `yaml:"server"`
	ListenAddress string `yaml:"listen_address"`
	OutputDir     string `yaml:"output_dir"`

	// Client mode settings
	ServerAddress string `yaml:"server_address"`
	ClientName    string `yaml:"client_name"`
	FilePath      string `yaml:"file_path"`
	IdentityFile  string `yaml:"identity_file"`

	// Transfer tuning
	Strategy     Strategy `yaml:"strategy"`
	LegacyCipher bool     `yaml:"legacy_cipher"`
	MinChunkSize int      `yaml:"min_chunk_size"`
	MaxChunkSize int      `yaml:"max_chunk_size"`
	ShowProgress bool     `yaml:"show_progress"`

	// Retry limits
	ConnectRetries  int           `yaml:"connect_retries"`
	ConnectDelay    time.Duration `yaml:"connect_delay"`
	FileRetries     int           `yaml:"file_retries"`
	ChecksumRetries int           `yaml:"checksum_retries"`

	// Timeouts
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	UploadTimeout  time.Duration `yaml:"upload_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		ListenAddress:   DefaultListenAddr,
		OutputDir:       DefaultOutputDir,
		ServerAddress:   DefaultServerAddr,
		IdentityFile:    DefaultIdentityFile,
		Strategy:        StrategyAdaptive,
		LegacyCipher:    true,
		MinChunkSize:    1024,
		MaxChunkSize:    32 * 1024,
		ShowProgress:    true,
		ConnectRetries:  DefaultConnectRetries,
		ConnectDelay:    DefaultConnectDelay,
		FileRetries:     DefaultFileRetries,
		ChecksumRetries: DefaultChecksumRetries,
		DialTimeout:     DefaultDialTimeout,
		ReadTimeout:     DefaultReadTimeout,
		SessionTimeout:  DefaultSessionTimeout,
		UploadTimeout:   DefaultUploadTimeout,
		SweepInterval:   DefaultSweepInterval,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.MinChunkSize <= 0 || c.MinChunkSize&(c.MinChunkSize-1) != 0 {
		return errors.NewValidationError("min_chunk_size", c.MinChunkSize, "must be a positive power of two")
	}
	if c.MaxChunkSize < c.MinChunkSize || c.MaxChunkSize&(c.MaxChunkSize-1) != 0 {
		return errors.NewValidationError("max_chunk_size", c.MaxChunkSize, "must be a power of two >= min chunk size")
	}
	if c.ConnectRetries <= 0 || c.FileRetries <= 0 || c.ChecksumRetries <= 0 {
		return errors.NewValidationError("retries", "", "retry limits must be positive")
	}
	if c.DialTimeout <= 0 || c.ReadTimeout <= 0 {
		return errors.NewValidationError("timeouts", "", "timeouts must be positive")
	}
	if c.SessionTimeout <= 0 || c.UploadTimeout <= 0 || c.SweepInterval <= 0 {
		return errors.NewValidationError("expiry", "", "expiry windows must be positive")
	}
	if c.Strategy != StrategyAdaptive && c.Strategy != StrategyRobust {
		return errors.NewValidationError("strategy", c.Strategy, "must be adaptive or robust")
	}

	if !c.IsServer {
		if c.FilePath == "" {
			return errors.NewValidationError("file_path", "", "file path is required in client mode")
		}
		if c.ClientName == "" {
			return errors.NewValidationError("client_name", "", "client name is required in client mode")
		}
	}

	return nil
}

// LoadFile reads YAML configuration from path into c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.NewFileSystemError("read_config", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.NewValidationError("config_file", path, err.Error())
	}
	return nil
}

// ParseFlags parses command line arguments, layered over an optional YAML
// config file, and returns a validated Config.
func ParseFlags() (*Config, error) {
	configFile := flag.String("config", "", "Optional YAML configuration file")

	// Server flags
	isServer := flag.Bool("server", false, "Run in server mode")
	listenAddr := flag.String("listen", DefaultListenAddr, "Address to listen on (server mode)")
	outputDir := flag.String("output", DefaultOutputDir, "Directory to store received files (server mode)")

	// Client flags
	serverAddr := flag.String("connect", DefaultServerAddr, "Server address to connect to (client mode)")
	clientName := flag.String("name", "", "Client name to register as (client mode)")
	filePath := flag.String("file", "", "File to back up (client mode)")
	identityFile := flag.String("identity", DefaultIdentityFile, "Path to the stored client identity (client mode)")

	// Common flags
	strategy := flag.String("strategy", string(StrategyAdaptive), "Transfer strategy: adaptive or robust")
	legacyCipher := flag.Bool("legacy-cipher", true, "Use the legacy AES-CBC zero-IV cipher for wire compatibility")
	minChunk := flag.Int("min-chunk", 1024, "Smallest chunk size in bytes (power of two)")
	maxChunk := flag.Int("max-chunk", 32*1024, "Largest chunk size in bytes (power of two)")
	showProgress := flag.Bool("progress", true, "Show progress during transfer")
	fileRetries := flag.Int("file-retries", DefaultFileRetries, "Full-transfer retry limit")
	checksumRetries := flag.Int("checksum-retries", DefaultChecksumRetries, "Checksum-mismatch retransmission limit")
	sessionTimeout := flag.Duration("session-timeout", DefaultSessionTimeout, "Idle session expiry (server mode)")

	flag.Parse()

	config := Default()

	if *configFile != "" {
		if err := config.LoadFile(*configFile); err != nil {
			return nil, err
		}
	}

	// Flags the user set explicitly win over file values.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "server":
			config.IsServer = *isServer
		case "listen":
			config.ListenAddress = *listenAddr
		case "output":
			config.OutputDir = *outputDir
		case "connect":
			config.ServerAddress = *serverAddr
		case "name":
			config.ClientName = *clientName
		case "file":
			config.FilePath = *filePath
		case "identity":
			config.IdentityFile = *identityFile
		case "strategy":
			config.Strategy = Strategy(*strategy)
		case "legacy-cipher":
			config.LegacyCipher = *legacyCipher
		case "min-chunk":
			config.MinChunkSize = *minChunk
		case "max-chunk":
			config.MaxChunkSize = *maxChunk
		case "progress":
			config.ShowProgress = *showProgress
		case "file-retries":
			config.FileRetries = *fileRetries
		case "checksum-retries":
			config.ChecksumRetries = *checksumRetries
		case "session-timeout":
			config.SessionTimeout = *sessionTimeout
		}
	})

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// String returns a string representation of the config for logging
func (c *Config) String() string {
	mode := "Client"
	if c.IsServer {
		mode = "Server"
	}

	return fmt.Sprintf("Config{Mode: %s, Strategy: %s, LegacyCipher: %v, ChunkLadder: %d..%d}",
		mode, c.Strategy, c.LegacyCipher, c.MinChunkSize, c.MaxChunkSize)
}
