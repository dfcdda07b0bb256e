// Package config loads the server configuration: a YAML file with ${ENV} expansion, checked
// against an embedded JSON schema and then normalized over the defaults.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/a8m/envsubst"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"voxelshard.ai/internal/jurisdiction"
	"voxelshard.ai/internal/octree"
	"voxelshard.ai/internal/peers"
)

//go:embed schema.json
var schemaJSON []byte

const (
	ModeInline = "inline"
	ModeQueued = "queued"

	DefaultPersistFile = "resources/voxels.svo"
)

type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	Log          LogConfig          `yaml:"log"`
	Tree         TreeConfig         `yaml:"tree"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Jurisdiction JurisdictionConfig `yaml:"jurisdiction"`
	Persist      PersistConfig      `yaml:"persist"`
	Peers        PeersConfig        `yaml:"peers"`
	Shutdown     ShutdownConfig     `yaml:"shutdown"`
	Stats        StatsConfig        `yaml:"stats"`
}

type ListenConfig struct {
	UDP string `yaml:"udp"`
	// HTTP serves /healthz, /metrics and the WebSocket bridge. Empty disables it.
	HTTP   string `yaml:"http"`
	WSPath string `yaml:"ws_path"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type TreeConfig struct {
	MaxDepth        int  `yaml:"max_depth"`
	CollapseOnEmpty bool `yaml:"collapse_on_empty"`
}

type DispatchConfig struct {
	Mode                string `yaml:"mode"`
	QueueSize           int    `yaml:"queue_size"`
	RebroadcastCommands bool   `yaml:"rebroadcast_commands"`
	EnforceJurisdiction bool   `yaml:"enforce_jurisdiction"`
	AuditDir            string `yaml:"audit_dir"`
}

type JurisdictionConfig struct {
	File              string   `yaml:"file"`
	Root              string   `yaml:"root"`
	EndNodes          []string `yaml:"end_nodes"`
	Required          bool     `yaml:"required"`
	BroadcastInterval Duration `yaml:"broadcast_interval"`
}

type PersistConfig struct {
	Enabled     bool     `yaml:"enabled"`
	File        string   `yaml:"file"`
	InputFile   string   `yaml:"input_file"`
	Interval    Duration `yaml:"interval"`
	ArchiveDir  string   `yaml:"archive_dir"`
	ArchiveKeep int      `yaml:"archive_keep"`
	IndexDB     string   `yaml:"index_db"`
}

type PeersConfig struct {
	Learn             bool         `yaml:"learn"`
	SilentTimeout     Duration     `yaml:"silent_timeout"`
	CheckInURL        string       `yaml:"check_in_url"`
	CheckInInterval   Duration     `yaml:"check_in_interval"`
	MaxMissedCheckIns int          `yaml:"max_missed_check_ins"`
	Static            []StaticPeer `yaml:"static"`
}

type StaticPeer struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
	Role string `yaml:"role"`
}

type ShutdownConfig struct {
	Grace Duration `yaml:"grace"`
}

type StatsConfig struct {
	Interval Duration `yaml:"interval"`
}

// Load reads path, or returns the defaults when path is empty.
func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, cfg.Validate()
	}
	b, err := envsubst.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read %s", path)
	}
	if err := Parse(b, &cfg); err != nil {
		return cfg, errors.Wrap(err, path)
	}
	return cfg, nil
}

// Parse validates an already expanded YAML document and decodes it over cfg.
func Parse(b []byte, cfg *Config) error {
	if err := validateSchema(b); err != nil {
		return err
	}
	if len(bytes.TrimSpace(b)) > 0 {
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return err
		}
	}
	cfg.Normalize()
	return cfg.Validate()
}

func defaults() Config {
	return Config{
		Listen: ListenConfig{UDP: ":40106", HTTP: "127.0.0.1:40180", WSPath: "/ws"},
		Log:    LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28},
		Tree:   TreeConfig{MaxDepth: octree.DefaultMaxDepth},
		Dispatch: DispatchConfig{
			Mode:                ModeInline,
			QueueSize:           4096,
			RebroadcastCommands: true,
		},
		Jurisdiction: JurisdictionConfig{BroadcastInterval: Duration(10 * time.Second)},
		Persist: PersistConfig{
			Enabled:     true,
			File:        DefaultPersistFile,
			Interval:    Duration(5 * time.Second),
			ArchiveKeep: 10,
		},
		Peers: PeersConfig{
			Learn:             true,
			SilentTimeout:     Duration(60 * time.Second),
			CheckInInterval:   Duration(time.Second),
			MaxMissedCheckIns: 5,
		},
		Shutdown: ShutdownConfig{Grace: Duration(5 * time.Second)},
		Stats:    StatsConfig{Interval: Duration(time.Minute)},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Listen.UDP = strings.TrimSpace(c.Listen.UDP)
	c.Listen.HTTP = strings.TrimSpace(c.Listen.HTTP)
	if c.Listen.WSPath = strings.TrimSpace(c.Listen.WSPath); c.Listen.WSPath != "" && !strings.HasPrefix(c.Listen.WSPath, "/") {
		c.Listen.WSPath = "/" + c.Listen.WSPath
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Tree.MaxDepth <= 0 {
		c.Tree.MaxDepth = octree.DefaultMaxDepth
	}
	c.Dispatch.Mode = strings.ToLower(strings.TrimSpace(c.Dispatch.Mode))
	if c.Dispatch.Mode == "" {
		c.Dispatch.Mode = ModeInline
	}
	if c.Dispatch.QueueSize <= 0 {
		c.Dispatch.QueueSize = 4096
	}
	c.Jurisdiction.File = strings.TrimSpace(c.Jurisdiction.File)
	c.Jurisdiction.Root = strings.TrimSpace(c.Jurisdiction.Root)
	c.Persist.File = strings.TrimSpace(c.Persist.File)
	if c.Persist.File == "" {
		c.Persist.File = DefaultPersistFile
	}
	c.Persist.InputFile = strings.TrimSpace(c.Persist.InputFile)
	c.Peers.CheckInURL = strings.TrimSpace(c.Peers.CheckInURL)
	for i := range c.Peers.Static {
		p := &c.Peers.Static[i]
		p.ID = strings.TrimSpace(p.ID)
		p.Addr = strings.TrimSpace(p.Addr)
		p.Role = strings.TrimSpace(p.Role)
		if p.Role == "" {
			p.Role = string(peers.RoleAgent)
		}
	}
}

func (c Config) Validate() error {
	switch c.Dispatch.Mode {
	case ModeInline, ModeQueued:
	default:
		return errors.Errorf("dispatch.mode %q: want %s or %s", c.Dispatch.Mode, ModeInline, ModeQueued)
	}
	if c.Tree.MaxDepth > octree.MaxCodeLength {
		return errors.Errorf("tree.max_depth %d exceeds %d", c.Tree.MaxDepth, octree.MaxCodeLength)
	}
	if c.Listen.UDP == "" {
		return errors.New("listen.udp is required")
	}
	if c.Persist.Enabled && c.Persist.Interval <= 0 {
		return errors.New("persist.interval must be positive")
	}
	if c.Jurisdiction.BroadcastInterval < 0 || c.Peers.SilentTimeout < 0 || c.Shutdown.Grace < 0 || c.Stats.Interval < 0 {
		return errors.New("durations must not be negative")
	}
	if c.Peers.CheckInURL != "" && c.Peers.CheckInInterval <= 0 {
		return errors.New("peers.check_in_interval must be positive when check_in_url is set")
	}
	if c.Jurisdiction.File == "" {
		if _, err := jurisdiction.Parse(c.Jurisdiction.Root, c.Jurisdiction.EndNodes); err != nil {
			return errors.Wrap(err, "jurisdiction")
		}
	}
	for i, p := range c.Peers.Static {
		if p.Addr == "" {
			return errors.Errorf("peers.static[%d]: addr is required", i)
		}
		if !peers.Role(p.Role).Valid() {
			return errors.Errorf("peers.static[%d]: unknown role %q", i, p.Role)
		}
		if p.ID != "" {
			if _, err := uuid.Parse(p.ID); err != nil {
				return errors.Wrapf(err, "peers.static[%d].id", i)
			}
		}
	}
	return nil
}

// JurisdictionMap builds the configured map: the file when one is named, otherwise root and
// end nodes. No root means the whole world.
func (c Config) JurisdictionMap() (*jurisdiction.Map, error) {
	if c.Jurisdiction.File != "" {
		return jurisdiction.Load(c.Jurisdiction.File)
	}
	return jurisdiction.Parse(c.Jurisdiction.Root, c.Jurisdiction.EndNodes)
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.schema.json", bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("config.schema.json")
	})
	return schema, schemaErr
}

// validateSchema checks the raw document. YAML is converted to plain JSON values first so
// numbers and maps have the types the validator expects.
func validateSchema(b []byte) error {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "config is not representable as JSON")
	}
	var v any
	if err := json.Unmarshal(js, &v); err != nil {
		return err
	}
	s, err := compiledSchema()
	if err != nil {
		return errors.Wrap(err, "compile config schema")
	}
	if err := s.Validate(v); err != nil {
		return errors.Wrap(err, "config schema")
	}
	return nil
}
