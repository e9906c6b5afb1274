// Package manifest loads a YAML list of trigger bindings and subscribes them
// at startup, so a node can run without the external scheduler.
//
//	triggers:
//	  - type: SCHEDULE
//	    target: {cwd: /fns/report, handler: default}
//	    options: {frequency: "0 * * * *", timezone: UTC}
//
// ${VAR} references are expanded from the environment before parsing.
package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/djlord-it/easy-trigger/internal/domain"
)

// Trigger is one binding in the manifest.
type Trigger struct {
	Type    domain.EventType `yaml:"type"`
	Target  domain.Target    `yaml:"target"`
	Options map[string]any   `yaml:"options,omitempty"`
}

type Manifest struct {
	Triggers []Trigger `yaml:"triggers"`
}

// Subscriber is satisfied by enqueuer.Registry.
type Subscriber interface {
	Subscribe(ctx context.Context, typ domain.EventType, target domain.Target, opts any) error
}

// Load reads, expands and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read triggers file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a manifest with strict field checking.
func Parse(data []byte) (*Manifest, error) {
	expanded := os.ExpandEnv(string(data))

	var m Manifest
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid triggers file: %w", err)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	var errs []error
	for i, t := range m.Triggers {
		if !knownType(t.Type) {
			errs = append(errs, fmt.Errorf("triggers[%d]: unknown type %q", i, t.Type))
		}
		if t.Target.Cwd == "" {
			errs = append(errs, fmt.Errorf("triggers[%d]: target.cwd is required", i))
		}
		if t.Target.Handler == "" {
			errs = append(errs, fmt.Errorf("triggers[%d]: target.handler is required", i))
		}
	}
	return errors.Join(errs...)
}

func knownType(typ domain.EventType) bool {
	for _, known := range domain.EventTypes {
		if typ == known {
			return true
		}
	}
	return false
}

// Apply subscribes every trigger. It keeps going after a failure and
// returns all failures joined.
func (m *Manifest) Apply(ctx context.Context, sub Subscriber) error {
	var errs []error
	applied := 0
	for i, t := range m.Triggers {
		opts, err := t.options()
		if err != nil {
			errs = append(errs, fmt.Errorf("triggers[%d]: %w", i, err))
			continue
		}
		if err := sub.Subscribe(ctx, t.Type, t.Target, opts); err != nil {
			log.Printf("manifest: %s %s:%s rejected: %v", t.Type, t.Target.Cwd, t.Target.Handler, err)
			errs = append(errs, fmt.Errorf("triggers[%d] %s: %w", i, t.Type, err))
			continue
		}
		applied++
	}
	log.Printf("manifest: applied %d/%d triggers", applied, len(m.Triggers))
	return errors.Join(errs...)
}

// options re-encodes the YAML mapping as JSON, the form every enqueuer
// decodes.
func (t Trigger) options() (any, error) {
	if len(t.Options) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(t.Options)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}
	return json.RawMessage(raw), nil
}
