package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// DefaultFile is where the global configuration lives.
const DefaultFile = "/etc/mkrootfs.conf"

const envPrefix = "MKROOTFS_"

// Config struct
type Config struct {
	Values map[string]string

	PoolRoots    []string
	OutputDir    string
	StateFile    string
	ManifestFile string
	Strict       bool
	Jobs         int
	Multilib     bool
	Debug        bool
	Verbose      bool
}

// Load reads path and applies defaults. A missing file is not an error:
// every setting has a default or can come from the environment.
func Load(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// Attempt to read the file
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, fmt.Errorf("reading %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	mergeEnvOverrides(cfg, os.Environ())

	if err := cfg.apply(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Merge MKROOTFS_* and R2_* env overrides
func mergeEnvOverrides(cfg *Config, environ []string) {
	for _, env := range environ {
		if !strings.HasPrefix(env, envPrefix) && !strings.HasPrefix(env, "R2_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			cfg.Values[parts[0]] = parts[1]
		}
	}
}

func (cfg *Config) apply() error {
	if pool := cfg.Values[envPrefix+"POOL"]; pool != "" {
		for _, root := range filepath.SplitList(pool) {
			if root = strings.TrimSpace(root); root != "" {
				cfg.PoolRoots = append(cfg.PoolRoots, root)
			}
		}
	}

	cfg.OutputDir = cfg.Values[envPrefix+"OUTPUT"]
	if cfg.OutputDir == "" {
		cfg.OutputDir = "output"
	}

	cfg.StateFile = cfg.Values[envPrefix+"STATE"]
	if cfg.StateFile == "" {
		cfg.StateFile = filepath.Join(cfg.OutputDir, ".buildstate")
	}

	cfg.ManifestFile = cfg.Values[envPrefix+"MANIFEST"]
	if cfg.ManifestFile == "" {
		cfg.ManifestFile = "pipeline.yaml"
	}

	// strict unless explicitly disabled
	cfg.Strict = cfg.Values[envPrefix+"STRICT"] != "0"
	cfg.Debug = cfg.Values[envPrefix+"DEBUG"] == "1"
	cfg.Verbose = cfg.Values[envPrefix+"VERBOSE"] == "1"

	cfg.Jobs = runtime.NumCPU()
	if jobs := cfg.Values[envPrefix+"JOBS"]; jobs != "" {
		n, err := strconv.Atoi(jobs)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid %sJOBS %q: want a positive integer", envPrefix, jobs)
		}
		cfg.Jobs = n
	}

	// Multilib only makes sense where 32-bit x86 libraries can coexist.
	cfg.Multilib = false
	if cfg.Values[envPrefix+"MULTILIB"] == "1" {
		if runtime.GOARCH == "amd64" || runtime.GOARCH == "386" {
			cfg.Multilib = true
		}
	}
	return nil
}

// Get returns a raw value, used for settings only a single component cares about.
func (cfg *Config) Get(key string) string {
	return cfg.Values[key]
}
