// Package settings provides per-phase durations
package settings

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/benjamonnguyen/tidal"
)

// Static hands every user the same durations.
type Static tidal.Durations

func (s Static) DurationsFor(context.Context, tidal.UserID) (tidal.Durations, error) {
	return tidal.Durations(s).Sanitize(), nil
}

type fileContents struct {
	Default tidal.Durations                  `yaml:"default"`
	Users   map[tidal.UserID]tidal.Durations `yaml:"users"`
}

// File reads durations from a YAML file like:
//
//	default:
//	  immersion: 50
//	  dive: 10
//	  breath: 10
//	users:
//	  alice:
//	    immersion: 25
//
// Unset or invalid values fall back to the file default, then to 25/5/5.
type File struct {
	path     string
	l        *log.Logger
	defaults tidal.Durations
	users    map[tidal.UserID]tidal.Durations
}

// LoadFile parses path. A missing file yields the built-in defaults.
func LoadFile(path string, logger *log.Logger) (*File, error) {
	f := &File{
		path:     path,
		l:        logger,
		defaults: tidal.DefaultDurations(),
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("settings file not found, using defaults", "path", path)
			return f, nil
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	var contents fileContents
	if err := yaml.Unmarshal(b, &contents); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	f.defaults = contents.Default.Sanitize()
	f.users = contents.Users
	logger.Debug("loaded settings", "path", path, "default", f.defaults, "users", len(f.users))
	return f, nil
}

func (f *File) DurationsFor(_ context.Context, userID tidal.UserID) (tidal.Durations, error) {
	d, ok := f.users[userID]
	if !ok {
		return f.defaults, nil
	}
	if d.Immersion <= 0 {
		d.Immersion = f.defaults.Immersion
	}
	if d.Dive <= 0 {
		d.Dive = f.defaults.Dive
	}
	if d.Breath <= 0 {
		d.Breath = f.defaults.Breath
	}
	return d, nil
}

// Fallback asks each provider in turn and returns the first answer. If every provider fails the
// built-in defaults are returned.
type Fallback []tidal.SettingsProvider

func (fb Fallback) DurationsFor(ctx context.Context, userID tidal.UserID) (tidal.Durations, error) {
	var errs []error
	for _, p := range fb {
		d, err := p.DurationsFor(ctx, userID)
		if err == nil {
			return d.Sanitize(), nil
		}
		if !errors.Is(err, tidal.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return tidal.DefaultDurations(), errors.Join(errs...)
	}
	return tidal.DefaultDurations(), nil
}
