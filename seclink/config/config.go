// Package config holds the server configuration surface.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/phcnguyen/seclink/seclink/identity"
)

const (
	TransportTCP  = "tcp"
	TransportQUIC = "quic"
)

var ErrInvalid = errors.New("config: invalid configuration")

// Duration is a time.Duration written as a Go duration string in JSON.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type KeyFiles struct {
	Public  string `json:"Public"`
	Private string `json:"Private"`
}

type Configuration struct {
	Host           string   `json:"Host"`
	Port           int      `json:"Port"`
	Transport      string   `json:"Transport"`
	MaxConnections int      `json:"MaxConnections"`
	Keys           KeyFiles `json:"Keys"`
	KeyBits        int      `json:"KeyBits"`
	IdleTimeout    Duration `json:"IdleTimeout"`
	WriteTimeout   Duration `json:"WriteTimeout"`
	BindRetries    int      `json:"BindRetries"`
	RetryBackoff   Duration `json:"RetryBackoff"`

	// BlocklistFile is watched for static blocks; empty disables it.
	BlocklistFile string `json:"BlocklistFile,omitempty"`
	// SnapshotFile persists timed blocks across restarts; empty disables it.
	SnapshotFile    string   `json:"SnapshotFile,omitempty"`
	UnblockInterval Duration `json:"UnblockInterval"`

	// MetricsAddress serves /metrics when set.
	MetricsAddress string `json:"MetricsAddress,omitempty"`
	LogLevel       string `json:"LogLevel"`
}

func Default() *Configuration {
	return &Configuration{
		Host:            "127.0.0.1",
		Port:            7272,
		Transport:       TransportTCP,
		MaxConnections:  100,
		Keys:            KeyFiles{Public: "keys/server.pub", Private: "keys/server.key"},
		KeyBits:         identity.DefaultKeyBits,
		IdleTimeout:     Duration(5 * time.Minute),
		WriteTimeout:    Duration(10 * time.Second),
		BindRetries:     3,
		RetryBackoff:    Duration(5 * time.Second),
		UnblockInterval: Duration(time.Minute),
		LogLevel:        "info",
	}
}

// Load reads a JSON file over the defaults. A missing file yields the
// defaults unchanged.
func Load(path string) (*Configuration, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c, nil
}

// Save writes c as indented JSON.
func (c *Configuration) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

func (c *Configuration) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Configuration) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Transport != TransportTCP && c.Transport != TransportQUIC {
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("max connections must be positive, got %d", c.MaxConnections))
	}
	if c.Keys.Public == "" || c.Keys.Private == "" {
		errs = append(errs, errors.New("both key file paths are required"))
	} else if c.Keys.Public == c.Keys.Private {
		errs = append(errs, errors.New("public and private key paths must differ"))
	}
	if c.KeyBits < identity.MinKeyBits {
		errs = append(errs, fmt.Errorf("key bits %d below minimum %d", c.KeyBits, identity.MinKeyBits))
	}
	if c.IdleTimeout < 0 || c.WriteTimeout < 0 || c.RetryBackoff < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.BindRetries < 0 {
		errs = append(errs, fmt.Errorf("bind retries must not be negative, got %d", c.BindRetries))
	}
	if c.UnblockInterval <= 0 {
		errs = append(errs, errors.New("unblock interval must be positive"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
