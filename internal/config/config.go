// Package config loads the service host configuration.
//
// A config file is YAML or CUE. Either way it is unified with an embedded
// CUE schema that supplies defaults and rejects unknown or ill-typed
// fields, then a few environment variables may override deployment
// specific values.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Environment variables that override file values.
const (
	EnvDB          = "CAPS_DB"
	EnvListen      = "CAPS_LISTEN"
	EnvCloudURL    = "CAPS_CLOUD_URL"
	EnvCloudSecret = "CAPS_CLOUD_SECRET"
)

// Config is the resolved configuration.
type Config struct {
	PropertyID   string
	HostID       string
	DatabasePath string
	Listen       string
	Locks        Locks
	Connectivity Connectivity
	Queue        Queue
	Replay       Replay
	Cloud        Cloud
}

type Locks struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

type Connectivity struct {
	HeartbeatInterval time.Duration
	ProbeTimeout      time.Duration
	CloudMisses       int
	LANMisses         int
	PeerTimeout       time.Duration
	AlarmAfter        time.Duration
	// PeerURL is the coordinating peer's health endpoint. Empty means this
	// host is the coordinator and LAN reachability is assumed.
	PeerURL string
}

type Queue struct {
	BaseBackoff time.Duration
	MaxAttempts int
}

type Replay struct {
	Interval  time.Duration
	BatchSize int
}

type Cloud struct {
	URL            string
	Secret         string
	RequestTimeout time.Duration
	MinVersion     int
}

// file mirrors the schema; durations stay strings until resolve.
type file struct {
	PropertyID string `json:"property_id"`
	HostID     string `json:"host_id"`
	Database   struct {
		Path string `json:"path"`
	} `json:"database"`
	LAN struct {
		Listen string `json:"listen"`
	} `json:"lan"`
	Locks struct {
		TTL           string `json:"ttl"`
		SweepInterval string `json:"sweep_interval"`
	} `json:"locks"`
	Connectivity struct {
		HeartbeatInterval string `json:"heartbeat_interval"`
		ProbeTimeout      string `json:"probe_timeout"`
		CloudMisses       int    `json:"cloud_misses"`
		LANMisses         int    `json:"lan_misses"`
		PeerTimeout       string `json:"peer_timeout"`
		AlarmAfter        string `json:"alarm_after"`
		PeerURL           string `json:"peer_url"`
	} `json:"connectivity"`
	Queue struct {
		BaseBackoff string `json:"base_backoff"`
		MaxAttempts int    `json:"max_attempts"`
	} `json:"queue"`
	Replay struct {
		Interval  string `json:"interval"`
		BatchSize int    `json:"batch_size"`
	} `json:"replay"`
	Cloud struct {
		URL            string `json:"url"`
		Secret         string `json:"secret"`
		RequestTimeout string `json:"request_timeout"`
		MinVersion     int    `json:"min_version"`
	} `json:"cloud"`
}

// Load reads and validates the config file at path, then applies
// environment overrides.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(filepath.Base(path), data, os.Getenv)
}

// Parse validates config source. name selects the format by extension
// (.cue for CUE, anything else is YAML). getenv supplies overrides and may
// be nil.
func Parse(name string, data []byte, getenv func(string) string) (Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile config schema: %w", err)
	}

	var value cue.Value
	if filepath.Ext(name) == ".cue" {
		value = ctx.CompileBytes(data, cue.Filename(name))
	} else {
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
		value = ctx.Encode(doc)
	}
	if err := value.Err(); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}

	var raw file
	if err := unified.Decode(&raw); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}
	if getenv != nil {
		override(&raw, getenv)
	}
	return resolve(raw)
}

func override(raw *file, getenv func(string) string) {
	if v := getenv(EnvDB); v != "" {
		raw.Database.Path = v
	}
	if v := getenv(EnvListen); v != "" {
		raw.LAN.Listen = v
	}
	if v := getenv(EnvCloudURL); v != "" {
		raw.Cloud.URL = v
	}
	if v := getenv(EnvCloudSecret); v != "" {
		raw.Cloud.Secret = v
	}
}

func resolve(raw file) (Config, error) {
	var errs []error
	dur := func(field, s string) time.Duration {
		d, err := time.ParseDuration(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %v", field, err))
			return 0
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive", field))
		}
		return d
	}

	cfg := Config{
		PropertyID:   raw.PropertyID,
		HostID:       raw.HostID,
		DatabasePath: raw.Database.Path,
		Listen:       raw.LAN.Listen,
		Locks: Locks{
			TTL:           dur("locks.ttl", raw.Locks.TTL),
			SweepInterval: dur("locks.sweep_interval", raw.Locks.SweepInterval),
		},
		Connectivity: Connectivity{
			HeartbeatInterval: dur("connectivity.heartbeat_interval", raw.Connectivity.HeartbeatInterval),
			ProbeTimeout:      dur("connectivity.probe_timeout", raw.Connectivity.ProbeTimeout),
			CloudMisses:       raw.Connectivity.CloudMisses,
			LANMisses:         raw.Connectivity.LANMisses,
			PeerTimeout:       dur("connectivity.peer_timeout", raw.Connectivity.PeerTimeout),
			AlarmAfter:        dur("connectivity.alarm_after", raw.Connectivity.AlarmAfter),
			PeerURL:           raw.Connectivity.PeerURL,
		},
		Queue: Queue{
			BaseBackoff: dur("queue.base_backoff", raw.Queue.BaseBackoff),
			MaxAttempts: raw.Queue.MaxAttempts,
		},
		Replay: Replay{
			Interval:  dur("replay.interval", raw.Replay.Interval),
			BatchSize: raw.Replay.BatchSize,
		},
		Cloud: Cloud{
			URL:            raw.Cloud.URL,
			Secret:         raw.Cloud.Secret,
			RequestTimeout: dur("cloud.request_timeout", raw.Cloud.RequestTimeout),
			MinVersion:     raw.Cloud.MinVersion,
		},
	}

	if cfg.DatabasePath == "" {
		errs = append(errs, errors.New("database.path: must not be empty"))
	}
	if cfg.Cloud.RequestTimeout >= cfg.Locks.TTL {
		errs = append(errs, fmt.Errorf("cloud.request_timeout (%s) must be shorter than locks.ttl (%s)",
			cfg.Cloud.RequestTimeout, cfg.Locks.TTL))
	}
	if cfg.Cloud.URL != "" && cfg.Cloud.Secret == "" {
		errs = append(errs, fmt.Errorf("cloud.secret: required when cloud.url is set (or set %s)", EnvCloudSecret))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return cfg, nil
}
