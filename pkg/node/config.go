package node

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/tafallen/ProjectTeleprinter/pkg/telex"
	"github.com/tafallen/ProjectTeleprinter/pkg/util/pathutil"
)

// Config defines configuration parameters for Node.
type Config struct {
	Version string `json:"version"`

	Node struct {
		Address  string `json:"address"`
		LogLevel string `json:"log_level"`
	} `json:"node"`

	Store struct {
		Type     string `json:"type"`
		Location string `json:"location"`
	} `json:"store"`

	Links struct {
		ListenAddr  string           `json:"listen_addr"`
		MaxConns    int              `json:"max_conns"`
		SendTimeout Duration         `json:"send_timeout"`
		Neighbors   []NeighborConfig `json:"neighbors"`
	} `json:"links"`

	Routing struct {
		Routes map[string]string `json:"routes"`
	} `json:"routing"`

	Relay struct {
		TTL           Duration `json:"ttl"`
		MaxHops       uint8    `json:"max_hops"`
		RetryCeiling  int      `json:"retry_ceiling"`
		BatchSize     int      `json:"batch_size"`
		Interval      Duration `json:"interval"`
		SweepInterval Duration `json:"sweep_interval"`
	} `json:"relay"`

	Machines []string `json:"machines"`

	Interfaces InterfaceConfig `json:"interfaces"`
}

// NeighborConfig identifies a peer relay: its exchange address and the
// TCP endpoint to dial it on.
type NeighborConfig struct {
	Address string `json:"address"`
	Addr    string `json:"addr"`
}

// InterfaceConfig defines the addresses the node exposes locally.
type InterfaceConfig struct {
	HTTPAddress string `json:"http"` // HTTP API address and port (leave blank to disable the API).
}

// DefaultConfig returns a Config with every tunable at its default.
// The node address and neighbor set have no defaults and must come
// from the operator.
func DefaultConfig() *Config {
	conf := &Config{Version: "1.0"}
	conf.Node.LogLevel = "info"
	conf.Store.Type = "boltdb"
	conf.Links.ListenAddr = ":8023"
	conf.Links.SendTimeout = Duration(10 * time.Second)
	conf.Relay.TTL = Duration(telex.DefaultTTL)
	conf.Relay.MaxHops = telex.DefaultMaxHops
	conf.Relay.RetryCeiling = 5
	conf.Relay.BatchSize = 16
	conf.Relay.Interval = Duration(time.Second)
	conf.Relay.SweepInterval = Duration(time.Minute)
	conf.Interfaces.HTTPAddress = ":8024"
	return conf
}

// GenerateWorkDirConfig returns a default config keeping the message
// store in the working directory.
func GenerateWorkDirConfig() *Config {
	conf := DefaultConfig()
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	conf.Store.Location = filepath.Join(wd, "telex-messages.db")
	return conf
}

// GenerateHomeConfig returns a default config keeping the message
// store under the user's home directory.
func GenerateHomeConfig() *Config {
	conf := DefaultConfig()
	conf.Store.Location = filepath.Join(pathutil.HomeDir(), ".telex", "telex-messages.db")
	return conf
}

// GenerateLocalConfig returns a default config keeping the message
// store under /usr/local.
func GenerateLocalConfig() *Config {
	conf := DefaultConfig()
	conf.Store.Location = "/usr/local/telex/telex-messages.db"
	return conf
}

// ParseConfig reads and decodes the JSON config at path, applying
// defaults for absent fields.
func ParseConfig(path string) (*Config, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	conf := DefaultConfig()
	if err := json.NewDecoder(f).Decode(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

// LocalAddr parses and validates the node's own exchange address.
func (c *Config) LocalAddr() (telex.Addr, error) {
	if c.Node.Address == "" {
		return telex.Addr{}, errors.New("node address not configured")
	}
	return telex.ParseAddr(c.Node.Address)
}

// Duration wraps around time.Duration to allow parsing from and to JSON
type Duration time.Duration

// MarshalJSON implements json marshaling
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements unmarshal from json
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(tmp)
		return nil
	default:
		return errors.New("invalid duration")
	}
}
