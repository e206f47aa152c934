// Package config holds the configuration record handed to the installer
// by its caller (the settings loader, lexer/prompt, etc. are all out of
// scope for this module — it only has to accept a populated Settings).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Mirror identifies one of the two supported download origins.
type Mirror string

const (
	MirrorMojang  Mirror = "Mojang"
	MirrorBMCLAPI Mirror = "BMCLAPI"
)

// Settings is the configuration record consumed from the external settings
// collaborator (see spec §6).
type Settings struct {
	WorkingPath    string
	TempPath       string
	MaxWorkers     int
	CurrentVersion string
	Mirror         Mirror
}

// Validate fills defaults for zero-valued fields and rejects an unknown mirror.
func (s *Settings) Validate() error {
	if s.WorkingPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
		s.WorkingPath = wd
	}
	if s.TempPath == "" {
		s.TempPath = filepath.Join(os.TempDir(), "Granite", "temp")
	}
	if s.MaxWorkers <= 0 {
		s.MaxWorkers = 128
	}
	if s.CurrentVersion == "" {
		return fmt.Errorf("current_version is required")
	}
	switch s.Mirror {
	case MirrorMojang, MirrorBMCLAPI:
	case "":
		s.Mirror = MirrorMojang
	default:
		return fmt.Errorf("unknown mirror %q", s.Mirror)
	}
	return nil
}

// FromEnv builds Settings from the GRANITE_* environment variables,
// standing in for the out-of-scope settings loader.
func FromEnv() Settings {
	s := Settings{
		WorkingPath:    os.Getenv("GRANITE_WORKING_PATH"),
		TempPath:       os.Getenv("GRANITE_TEMP_PATH"),
		CurrentVersion: os.Getenv("GRANITE_VERSION"),
		Mirror:         Mirror(os.Getenv("GRANITE_MIRROR")),
	}
	if v := os.Getenv("GRANITE_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.MaxWorkers = n
		}
	}
	return s
}
