// Package config loads acquisition settings from JSON or YAML files.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/smell.report/internal/batchfile"
	"github.com/banshee-data/smell.report/internal/record"
	"github.com/banshee-data/smell.report/internal/serialmux"
)

// ExampleConfigPath is the annotated example shipped with the repository.
const ExampleConfigPath = "config/smell.example.yaml"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Defaults for fields left unset.
const (
	DefaultPort           = "/dev/ttyUSB0"
	DefaultOutputDir      = "/media/usb"
	DefaultRotateEvery    = 10
	DefaultStartSequence  = 1
	DefaultCatalogPath    = "smell.db"
	DefaultMinFreeBytes   = 64 * 1024 * 1024
	DefaultReplayInterval = time.Second
)

// AcquireConfig holds the settings of one acquisition run. Nil fields fall
// back to the defaults returned by the Get* methods, so partial files are
// safe.
type AcquireConfig struct {
	// Serial link
	Port     *string `json:"port,omitempty" yaml:"port,omitempty"`
	BaudRate *int    `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`
	DataBits *int    `json:"data_bits,omitempty" yaml:"data_bits,omitempty"`
	StopBits *int    `json:"stop_bits,omitempty" yaml:"stop_bits,omitempty"`
	Parity   *string `json:"parity,omitempty" yaml:"parity,omitempty"`

	// Output
	OutputDir     *string  `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
	FilePrefix    *string  `json:"file_prefix,omitempty" yaml:"file_prefix,omitempty"`
	Fields        []string `json:"fields,omitempty" yaml:"fields,omitempty"`
	RotateEvery   *int     `json:"rotate_every,omitempty" yaml:"rotate_every,omitempty"`
	StartSequence *int     `json:"start_sequence,omitempty" yaml:"start_sequence,omitempty"`
	MinFreeBytes  *uint64  `json:"min_free_bytes,omitempty" yaml:"min_free_bytes,omitempty"`

	// Side services
	CatalogPath *string `json:"catalog_path,omitempty" yaml:"catalog_path,omitempty"`
	Listen      *string `json:"listen,omitempty" yaml:"listen,omitempty"`

	// Dev mode: replay lines from a fixture instead of opening the port.
	ReplayFile     *string `json:"replay_file,omitempty" yaml:"replay_file,omitempty"`
	ReplayInterval *string `json:"replay_interval,omitempty" yaml:"replay_interval,omitempty"` // duration string like "500ms"
}

// Load reads an AcquireConfig from a .json, .yaml or .yml file.
func Load(path string) (*AcquireConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &AcquireConfig{}
	if ext == ".json" {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
		if dec.More() {
			return nil, errors.New("failed to parse config JSON: trailing data after object")
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that are set.
func (c *AcquireConfig) Validate() error {
	if c.Port != nil && strings.TrimSpace(*c.Port) == "" {
		return fmt.Errorf("port must not be empty")
	}
	if _, err := c.PortOptions().Normalise(); err != nil {
		return err
	}
	if c.RotateEvery != nil && *c.RotateEvery < 1 {
		return fmt.Errorf("rotate_every must be at least 1, got %d", *c.RotateEvery)
	}
	if c.StartSequence != nil && *c.StartSequence < 0 {
		return fmt.Errorf("start_sequence must be non-negative, got %d", *c.StartSequence)
	}
	if c.Fields != nil {
		if _, err := record.NewSchema(c.Fields...); err != nil {
			return fmt.Errorf("fields: %w", err)
		}
	}
	if c.OutputDir != nil || c.FilePrefix != nil {
		if err := c.Layout().Validate(); err != nil {
			return err
		}
	}
	if c.ReplayInterval != nil && *c.ReplayInterval != "" {
		d, err := time.ParseDuration(*c.ReplayInterval)
		if err != nil {
			return fmt.Errorf("invalid replay_interval '%s': %w", *c.ReplayInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("replay_interval must be positive, got %s", d)
		}
	}
	return nil
}

// GetPort returns the serial device path or the default.
func (c *AcquireConfig) GetPort() string {
	if c.Port == nil {
		return DefaultPort
	}
	return *c.Port
}

// PortOptions returns the serial settings as given; Normalise fills the gaps.
func (c *AcquireConfig) PortOptions() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.BaudRate != nil {
		opts.BaudRate = *c.BaudRate
	}
	if c.DataBits != nil {
		opts.DataBits = *c.DataBits
	}
	if c.StopBits != nil {
		opts.StopBits = *c.StopBits
	}
	if c.Parity != nil {
		opts.Parity = *c.Parity
	}
	return opts
}

// GetOutputDir returns the batch file directory or the default.
func (c *AcquireConfig) GetOutputDir() string {
	if c.OutputDir == nil || *c.OutputDir == "" {
		return DefaultOutputDir
	}
	return *c.OutputDir
}

// Layout returns the batch file naming for this config.
func (c *AcquireConfig) Layout() batchfile.Layout {
	layout := batchfile.NewLayout(c.GetOutputDir())
	if c.FilePrefix != nil {
		layout.Prefix = *c.FilePrefix
	}
	return layout
}

// Schema returns the configured field list, or the default device schema.
func (c *AcquireConfig) Schema() (record.Schema, error) {
	if len(c.Fields) == 0 {
		return record.DefaultSchema(), nil
	}
	return record.NewSchema(c.Fields...)
}

// GetRotateEvery returns rows per file or the default.
func (c *AcquireConfig) GetRotateEvery() int {
	if c.RotateEvery == nil {
		return DefaultRotateEvery
	}
	return *c.RotateEvery
}

// GetStartSequence returns the first file sequence number or the default.
func (c *AcquireConfig) GetStartSequence() int {
	if c.StartSequence == nil || *c.StartSequence == 0 {
		return DefaultStartSequence
	}
	return *c.StartSequence
}

// GetMinFreeBytes returns the free space warning threshold or the default.
func (c *AcquireConfig) GetMinFreeBytes() uint64 {
	if c.MinFreeBytes == nil {
		return DefaultMinFreeBytes
	}
	return *c.MinFreeBytes
}

// GetCatalogPath returns the sqlite catalog path. An explicit empty string
// disables the catalog.
func (c *AcquireConfig) GetCatalogPath() string {
	if c.CatalogPath == nil {
		return DefaultCatalogPath
	}
	return *c.CatalogPath
}

// GetListen returns the admin listen address; empty disables the server.
func (c *AcquireConfig) GetListen() string {
	if c.Listen == nil {
		return ""
	}
	return *c.Listen
}

// GetReplayFile returns the dev-mode fixture path, empty when unset.
func (c *AcquireConfig) GetReplayFile() string {
	if c.ReplayFile == nil {
		return ""
	}
	return *c.ReplayFile
}

// GetReplayInterval parses and returns the ReplayInterval as a time.Duration.
func (c *AcquireConfig) GetReplayInterval() time.Duration {
	if c.ReplayInterval == nil || *c.ReplayInterval == "" {
		return DefaultReplayInterval
	}
	d, err := time.ParseDuration(*c.ReplayInterval)
	if err != nil || d <= 0 {
		return DefaultReplayInterval
	}
	return d
}
