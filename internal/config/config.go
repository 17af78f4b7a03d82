package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"
)

// Config represents the global ~/.convsync/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
}

// Duration is a time.Duration written as text ("5s") in config files.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Session is the per-session config.toml.
type Session struct {
	// SelfID is the sender id of this account; messages from it never count
	// as unread.
	SelfID    string    `toml:"self_id"`
	Server    Server    `toml:"server"`
	Sync      Sync      `toml:"sync"`
	Reconnect Reconnect `toml:"reconnect"`
	Log       Log       `toml:"log"`
}

type Server struct {
	APIURL   string `toml:"api_url"`
	LiveURL  string `toml:"live_url"`
	FilesURL string `toml:"files_url"`
	Token    string `toml:"token"`
}

type Sync struct {
	PageSize      int      `toml:"page_size"`
	TypingTimeout Duration `toml:"typing_timeout"`
	StaleAfter    Duration `toml:"stale_after"`
}

type Reconnect struct {
	Initial    Duration `toml:"initial"`
	Max        Duration `toml:"max"`
	MaxRetries int      `toml:"max_retries"`
}

type Log struct {
	Level string `toml:"level"`
}

// Defaults returns the session config used for anything a file leaves out.
func Defaults() Session {
	return Session{
		Server: Server{APIURL: "http://localhost:8088"},
		Sync: Sync{
			PageSize:      30,
			TypingTimeout: Duration{5 * time.Second},
			StaleAfter:    Duration{30 * time.Second},
		},
		Reconnect: Reconnect{
			Initial:    Duration{500 * time.Millisecond},
			Max:        Duration{30 * time.Second},
			MaxRetries: 8,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadSession reads a session config over the defaults. A missing file yields
// the defaults.
func LoadSession(path string) (*Session, error) {
	cfg := Defaults()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err == nil {
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("load %s: unknown keys %v", path, undecoded)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks ranges and URLs.
func (s *Session) Validate() error {
	if err := checkURL("server.api_url", s.Server.APIURL, "http", "https"); err != nil {
		return err
	}
	if s.Server.LiveURL != "" {
		if err := checkURL("server.live_url", s.Server.LiveURL, "ws", "wss", "http", "https"); err != nil {
			return err
		}
	}
	if s.Server.FilesURL != "" {
		if err := checkURL("server.files_url", s.Server.FilesURL, "http", "https"); err != nil {
			return err
		}
	}
	switch {
	case s.Sync.PageSize < 1 || s.Sync.PageSize > 200:
		return fmt.Errorf("sync.page_size %d out of range [1, 200]", s.Sync.PageSize)
	case s.Sync.TypingTimeout.Duration <= 0:
		return errors.New("sync.typing_timeout must be positive")
	case s.Sync.StaleAfter.Duration <= 0:
		return errors.New("sync.stale_after must be positive")
	case s.Reconnect.Initial.Duration <= 0:
		return errors.New("reconnect.initial must be positive")
	case s.Reconnect.Max.Duration < s.Reconnect.Initial.Duration:
		return errors.New("reconnect.max must not be below reconnect.initial")
	case s.Reconnect.MaxRetries < 1:
		return fmt.Errorf("reconnect.max_retries %d must be at least 1", s.Reconnect.MaxRetries)
	}
	if _, err := zapcore.ParseLevel(s.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// LiveEndpoint returns the live channel URL: live_url when set, otherwise
// /live on the API host.
func (s *Session) LiveEndpoint() string {
	if s.Server.LiveURL != "" {
		return s.Server.LiveURL
	}
	u, err := url.Parse(s.Server.APIURL)
	if err != nil {
		return ""
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.JoinPath("live").String()
}

// FilesEndpoint returns the base for attachment paths, defaulting to the API.
func (s *Session) FilesEndpoint() string {
	if s.Server.FilesURL != "" {
		return s.Server.FilesURL
	}
	return strings.TrimSuffix(s.Server.APIURL, "/")
}

func checkURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s %q: want an absolute %s url", key, raw, strings.Join(schemes, "/"))
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
