// octomem - hybrid graph and vector memory for multi-arm agents
// License: MIT
//
// Copyright (c) 2026 octomem contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/dotsetgreg/octomem/pkg/config"
	"github.com/dotsetgreg/octomem/pkg/logger"
	"github.com/dotsetgreg/octomem/pkg/subsystem"
	"github.com/dotsetgreg/octomem/pkg/value"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "octomem"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// formatBuildInfo returns build time and go version info
func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".octomem", "config.yaml")
}

// globalOptions are the persistent root flags.
type globalOptions struct {
	configPath string
	debug      bool
}

func (o *globalOptions) loadConfig() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.SetOutput(os.Stderr, cfg.Log.Format)
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if o.debug {
		logger.SetLevel(logger.DEBUG)
	}
	return cfg, nil
}

// open loads config and builds the subsystem. Callers must Close it.
func (o *globalOptions) open(ctx context.Context) (*subsystem.Subsystem, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return subsystem.New(ctx, cfg)
}

// parseProps reads a JSON object given inline or, with a leading @, from a file.
func parseProps(raw string) (value.Map, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return value.Map{}, nil
	}
	data := []byte(raw)
	if strings.HasPrefix(raw, "@") {
		var err error
		if data, err = os.ReadFile(raw[1:]); err != nil {
			return nil, err
		}
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("properties must be a JSON object: %w", err)
	}
	return value.MapFromAny(obj)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// resolveToken prefers the flag, then OCTOMEM_TOKEN.
func resolveToken(flagValue string) (string, error) {
	if tok := strings.TrimSpace(flagValue); tok != "" {
		return tok, nil
	}
	if tok := strings.TrimSpace(os.Getenv("OCTOMEM_TOKEN")); tok != "" {
		return tok, nil
	}
	return "", fmt.Errorf("a capability token is required (--token or OCTOMEM_TOKEN)")
}
