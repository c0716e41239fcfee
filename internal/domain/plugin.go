package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Plugin is a remote worker process that performs one step's work.
// The engine never mutates plugins; they are managed by the catalog.
type Plugin struct {
	ID         string
	Slug       string
	Name       string
	Host       string
	Port       int
	Capability string
	CreatedAt  time.Time
}

func (p Plugin) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("plugin id is required")
	}
	if strings.TrimSpace(p.Slug) == "" {
		return errors.New("plugin slug is required")
	}
	if strings.TrimSpace(p.Host) == "" {
		return errors.New("plugin host is required")
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("plugin port out of range: %d", p.Port)
	}
	return nil
}

// Address renders the plugin's network address as host:port.
func (p Plugin) Address() string {
	return fmt.Sprintf("%s:%d", strings.TrimSpace(p.Host), p.Port)
}
