package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Output formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Config captures runtime metadata used to annotate structured logs.
type Config struct {
	Service      string            `json:"service" yaml:"service"`
	Version      string            `json:"version" yaml:"version"`
	Environment  string            `json:"environment" yaml:"environment"`
	InstanceID   string            `json:"instanceId" yaml:"instanceId"`
	Level        string            `json:"level" yaml:"level"`
	Format       string            `json:"format" yaml:"format"`
	StaticLabels map[string]string `json:"staticLabels" yaml:"staticLabels"`
	// LabelKeys are extra keyvals keys reported as labels in JSON output.
	LabelKeys    []string `json:"labelKeys" yaml:"labelKeys"`
	EnableCaller bool     `json:"enableCaller" yaml:"enableCaller"`

	Writer io.Writer `json:"-" yaml:"-"`
}

// Sanitize validates cfg and fills defaults: info level, JSON format,
// stdout, hostname as instance id.
func (c Config) Sanitize() (Config, error) {
	s := c
	s.Service = strings.TrimSpace(c.Service)
	if s.Service == "" {
		return Config{}, errors.New("logging: service is required")
	}
	s.Level = strings.ToLower(strings.TrimSpace(c.Level))
	if s.Level == "" {
		s.Level = "info"
	}
	switch s.Level {
	case "debug", "info", "warn", "error", "fatal":
	default:
		return Config{}, fmt.Errorf("logging: unknown level %q", c.Level)
	}
	s.Format = strings.ToLower(strings.TrimSpace(c.Format))
	switch s.Format {
	case "":
		s.Format = FormatJSON
	case FormatJSON, FormatText:
	default:
		return Config{}, fmt.Errorf("logging: unknown format %q", c.Format)
	}
	if s.Writer == nil {
		s.Writer = os.Stdout
	}
	if s.InstanceID == "" {
		if host, err := os.Hostname(); err == nil {
			s.InstanceID = host
		}
	}
	return s, nil
}
