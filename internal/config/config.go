package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/petervdpas/huddle/internal/util"
)

type Config struct {
	HTTP      HTTP      `json:"http"`
	Store     Store     `json:"store"`
	Backplane Backplane `json:"backplane"`
	ICE       ICE       `json:"ice"`
	Log       Log       `json:"log"`
}

type HTTP struct {
	Addr string `json:"addr"`
}

type Store struct {
	DataDir string `json:"data_dir"`
}

type Backplane struct {
	// Enabled turns on the ZeroMQ backplane. Off, the instance runs
	// standalone and fanout is purely in-process.
	Enabled bool `json:"enabled"`

	// BindAddr is where this instance publishes, e.g. "tcp://0.0.0.0:4450".
	BindAddr string `json:"bind_addr"`

	// Peers are the publish endpoints of sibling instances this one
	// subscribes to. Never include our own BindAddr.
	Peers []string `json:"peers"`
}

type ICE struct {
	// Servers are handed to clients for call and file-transfer peer
	// connections.
	Servers []ICEServer `json:"servers"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		HTTP: HTTP{
			Addr: "127.0.0.1:4400",
		},
		Store: Store{
			DataDir: "data",
		},
		Backplane: Backplane{
			Enabled:  false,
			BindAddr: "tcp://127.0.0.1:4450",
		},
		ICE: ICE{
			Servers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("http.addr is required")
	}
	if _, _, err := net.SplitHostPort(c.HTTP.Addr); err != nil {
		return fmt.Errorf("http.addr must be host:port: %v", err)
	}

	if strings.TrimSpace(c.Store.DataDir) == "" {
		return errors.New("store.data_dir is required")
	}

	if c.Backplane.Enabled {
		if err := validateEndpoint(c.Backplane.BindAddr); err != nil {
			return fmt.Errorf("backplane.bind_addr: %w", err)
		}
		for _, peer := range c.Backplane.Peers {
			if err := validateEndpoint(peer); err != nil {
				return fmt.Errorf("backplane.peers: %w", err)
			}
			if peer == c.Backplane.BindAddr {
				return errors.New("backplane.peers must not include backplane.bind_addr")
			}
		}
	}

	for _, srv := range c.ICE.Servers {
		if len(srv.URLs) == 0 {
			return errors.New("ice.servers entries need at least one url")
		}
		for _, u := range srv.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("ice server url %q must be stun:, turn: or turns:", u)
			}
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level)
	}

	return nil
}

func validateEndpoint(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("endpoint is required")
	}
	if !strings.HasPrefix(addr, "tcp://") && !strings.HasPrefix(addr, "ipc://") && !strings.HasPrefix(addr, "inproc://") {
		return fmt.Errorf("endpoint %q must be tcp://, ipc:// or inproc://", addr)
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
