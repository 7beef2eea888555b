package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/roomchat/roomchat/globals"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix = "ROOMCHAT"

	defaultListenAddr      = "localhost:8000"
	defaultLogLevel        = "INFO"
	defaultPersistenceType = "sqlite"
	defaultPersistenceDSN  = "roomchat.db"
	defaultUserCacheSize   = 1024
	defaultUploadType      = "filesystem"
	defaultUploadPath      = "./uploads"
	defaultUploadBaseUrl   = "/files"
	defaultUploadMaxSize   = 10 << 20
	defaultSendBufferSize  = 256
	defaultMaxMessageSize  = 64 << 10
	defaultWriteWait       = 10 * time.Second
	defaultPongWait        = 60 * time.Second
	defaultCleanupTimeout  = 5 * time.Second
	defaultSweepSpec       = "@every 5m"
	defaultStaleAfter      = 30 * time.Minute
)

// Config is the global configuration object which is filled from the configuration file(s), the environment
// (ROOMCHAT_*) and the command line flags.
type Config struct {
	ListenAddr        string            `mapstructure:"listen_addr"`
	SSLCert           string            `mapstructure:"ssl_cert"`
	SSLKey            string            `mapstructure:"ssl_key"`
	LogLevel          string            `mapstructure:"log_level"`
	AllowedOrigins    []string          `mapstructure:"allowed_origins"`
	AuthConfig        AuthConfig        `mapstructure:"auth"`
	OIDCConfigs       []OIDCConfig      `mapstructure:"oidc"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	UploadConfig      UploadConfig      `mapstructure:"upload"`
	SessionConfig     SessionConfig     `mapstructure:"session"`
	PresenceConfig    PresenceConfig    `mapstructure:"presence"`
}

// AuthConfig configures the verification of HS256 bearer tokens. The token carries the user id in the "user_id"
// claim (or "sub").
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwt_secret"`
	JWTIssuer     string `mapstructure:"jwt_issuer"`
	UserCacheSize int    `mapstructure:"user_cache_size"`
}

// An OIDCConfig object configures an OpenID Connect provider. ID tokens issued by the provider are accepted as
// bearer tokens, the "email" claim is used as the user id.
type OIDCConfig struct {
	Name        string `mapstructure:"name"`
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"` // f.e. "https://accounts.google.com"
}

// PersistenceConfig selects the durable store. Type is one of sqlite, postgres (both via gorm) or buntdb.
type PersistenceConfig struct {
	Type      string `mapstructure:"type"`
	DSN       string `mapstructure:"dsn"`
	FlockPath string `mapstructure:"flock_path"` // buntdb only, defaults to <dsn>.lock
}

// UploadConfig configures where uploaded files are stored. Type is filesystem or s3.
type UploadConfig struct {
	Type    string `mapstructure:"type"`
	Path    string `mapstructure:"path"`
	Bucket  string `mapstructure:"bucket"`
	BaseUrl string `mapstructure:"base_url"`
	MaxSize int64  `mapstructure:"max_size"`
}

// SessionConfig tunes the per-connection websocket handling.
type SessionConfig struct {
	SendBufferSize int           `mapstructure:"send_buffer_size"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	CleanupTimeout time.Duration `mapstructure:"cleanup_timeout"`
}

// PingPeriod is derived from the pong wait, pings must be sent before the peer's read deadline expires.
func (s SessionConfig) PingPeriod() time.Duration {
	return (s.PongWait * 9) / 10
}

// PresenceConfig configures the sweeper which resets presence rows that were left online by crashed processes.
type PresenceConfig struct {
	SweepSpec  string        `mapstructure:"sweep_spec"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// Defaults returns a configuration with every value set to its default.
func Defaults() *Config {
	return &Config{
		ListenAddr: defaultListenAddr,
		LogLevel:   defaultLogLevel,
		AuthConfig: AuthConfig{
			UserCacheSize: defaultUserCacheSize,
		},
		PersistenceConfig: PersistenceConfig{
			Type: defaultPersistenceType,
			DSN:  defaultPersistenceDSN,
		},
		UploadConfig: UploadConfig{
			Type:    defaultUploadType,
			Path:    defaultUploadPath,
			BaseUrl: defaultUploadBaseUrl,
			MaxSize: defaultUploadMaxSize,
		},
		SessionConfig: SessionConfig{
			SendBufferSize: defaultSendBufferSize,
			MaxMessageSize: defaultMaxMessageSize,
			WriteWait:      defaultWriteWait,
			PongWait:       defaultPongWait,
			CleanupTimeout: defaultCleanupTimeout,
		},
		PresenceConfig: PresenceConfig{
			SweepSpec:  defaultSweepSpec,
			StaleAfter: defaultStaleAfter,
		},
	}
}

// Validate checks the configuration for values the server cannot work with.
func (c *Config) Validate() error {
	switch c.PersistenceConfig.Type {
	case "sqlite", "postgres", "buntdb":
	default:
		return fmt.Errorf("invalid persistence type %q", c.PersistenceConfig.Type)
	}
	if c.PersistenceConfig.DSN == "" {
		return errors.New("persistence dsn is required")
	}
	switch c.UploadConfig.Type {
	case "filesystem":
		if c.UploadConfig.Path == "" {
			return errors.New("upload path is required for filesystem uploads")
		}
	case "s3":
		if c.UploadConfig.Bucket == "" {
			return errors.New("upload bucket is required for s3 uploads")
		}
	default:
		return fmt.Errorf("invalid upload type %q", c.UploadConfig.Type)
	}
	if c.AuthConfig.JWTSecret == "" && len(c.OIDCConfigs) == 0 {
		return errors.New("no authentication configured, set auth.jwt_secret or an oidc provider")
	}
	if c.SessionConfig.SendBufferSize <= 0 {
		return errors.New("session send_buffer_size must be positive")
	}
	if c.SessionConfig.PongWait <= 0 || c.SessionConfig.WriteWait <= 0 {
		return errors.New("session timeouts must be positive")
	}
	return nil
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("listen-addr", "", "http service address (including port)")
	flagSet.String("log-level", "", "log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	flagSet.String("ssl-cert", "", "SSL cert (optional)")
	flagSet.String("ssl-key", "", "SSL key (optional)")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "-", "_"))
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("ssl_cert", "")
	v.SetDefault("ssl_key", "")
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_issuer", "")
	v.SetDefault("auth.user_cache_size", d.AuthConfig.UserCacheSize)
	v.SetDefault("persistence.type", d.PersistenceConfig.Type)
	v.SetDefault("persistence.dsn", d.PersistenceConfig.DSN)
	v.SetDefault("persistence.flock_path", "")
	v.SetDefault("upload.type", d.UploadConfig.Type)
	v.SetDefault("upload.path", d.UploadConfig.Path)
	v.SetDefault("upload.bucket", "")
	v.SetDefault("upload.base_url", d.UploadConfig.BaseUrl)
	v.SetDefault("upload.max_size", d.UploadConfig.MaxSize)
	v.SetDefault("session.send_buffer_size", d.SessionConfig.SendBufferSize)
	v.SetDefault("session.max_message_size", d.SessionConfig.MaxMessageSize)
	v.SetDefault("session.write_wait", d.SessionConfig.WriteWait)
	v.SetDefault("session.pong_wait", d.SessionConfig.PongWait)
	v.SetDefault("session.cleanup_timeout", d.SessionConfig.CleanupTimeout)
	v.SetDefault("presence.sweep_spec", d.PresenceConfig.SweepSpec)
	v.SetDefault("presence.stale_after", d.PresenceConfig.StaleAfter)
}

// ReadConfiguration reads and parses the configuration located at configPath, which can either point to a single TOML
// file or to a directory, in which case all *.toml files in this directory are concatenated. A .env file in the
// working directory is loaded into the environment first. flagSet may be nil.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		globals.AppLogger.Warn("could not load .env file (ignored)", "error", err)
	}

	v := viper.New()
	setDefaults(v)
	if flagSet != nil {
		flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
		if err := v.BindPFlags(flagSet); err != nil {
			globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
		}
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		contents := make([]byte, 0)
		for _, configFile := range files {
			fileContents, err := os.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		v.SetConfigType("toml")
		if err := v.ReadConfig(bytes.NewBuffer(contents)); err != nil {
			return nil, fmt.Errorf("could not read config: %w", err)
		}
	}

	cfg := Config{}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}
	globals.AppLogger.Debug("config", "all", v.AllSettings())
	return &cfg, nil
}
