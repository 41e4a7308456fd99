// Package config loads server configuration from an optional YAML file with
// environment overrides. The challenge signing secret is deliberately never
// read from YAML; it comes from the environment or a secret file only.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved server configuration.
type Config struct {
	ListenAddr   string
	DatabasePath string // empty selects the in-memory credential store

	RelyingPartyID   string
	RelyingPartyName string
	Origin           string

	ChallengeSecret []byte

	ChallengeLimit          int // requests per IP per window
	ChallengeWindow         time.Duration
	OnboardingIdentityLimit int // per identity per hour
	OnboardingIPLimit       int // per IP per hour

	GlobalRPS   float64
	GlobalBurst int
}

type fileConfig struct {
	ListenAddr   string           `yaml:"listenAddr"`
	DatabasePath string           `yaml:"databasePath"`
	RelyingParty rpFileConfig     `yaml:"relyingParty"`
	Limits       limitsFileConfig `yaml:"limits"`
}

type rpFileConfig struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Origin string `yaml:"origin"`
}

type limitsFileConfig struct {
	ChallengePerWindow      *int           `yaml:"challengePerWindow"`
	ChallengeWindow         *time.Duration `yaml:"challengeWindow"`
	OnboardingPerIdentity   *int           `yaml:"onboardingPerIdentity"`
	OnboardingPerIP         *int           `yaml:"onboardingPerIp"`
	GlobalRequestsPerSecond *float64       `yaml:"globalRequestsPerSecond"`
	GlobalBurst             *int           `yaml:"globalBurst"`
}

func Default() Config {
	return Config{
		ListenAddr:              "127.0.0.1:8443",
		RelyingPartyID:          "localhost",
		RelyingPartyName:        "Citizen Identity",
		Origin:                  "https://localhost:8443",
		ChallengeLimit:          5,
		ChallengeWindow:         time.Minute,
		OnboardingIdentityLimit: 5,
		OnboardingIPLimit:       10,
		GlobalRPS:               25,
		GlobalBurst:             50,
	}
}

// LoadFromPath resolves the configuration: defaults, then the first readable
// YAML candidate, then environment overrides.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/citizenid.yaml",
			"/etc/citizenid/config.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
			continue
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		merge(&cfg, parsed)
		break
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func merge(dst *Config, src fileConfig) {
	if src.ListenAddr != "" {
		dst.ListenAddr = src.ListenAddr
	}
	if src.DatabasePath != "" {
		dst.DatabasePath = src.DatabasePath
	}
	if src.RelyingParty.ID != "" {
		dst.RelyingPartyID = src.RelyingParty.ID
	}
	if src.RelyingParty.Name != "" {
		dst.RelyingPartyName = src.RelyingParty.Name
	}
	if src.RelyingParty.Origin != "" {
		dst.Origin = src.RelyingParty.Origin
	}
	if src.Limits.ChallengePerWindow != nil {
		dst.ChallengeLimit = *src.Limits.ChallengePerWindow
	}
	if src.Limits.ChallengeWindow != nil {
		dst.ChallengeWindow = *src.Limits.ChallengeWindow
	}
	if src.Limits.OnboardingPerIdentity != nil {
		dst.OnboardingIdentityLimit = *src.Limits.OnboardingPerIdentity
	}
	if src.Limits.OnboardingPerIP != nil {
		dst.OnboardingIPLimit = *src.Limits.OnboardingPerIP
	}
	if src.Limits.GlobalRequestsPerSecond != nil {
		dst.GlobalRPS = *src.Limits.GlobalRequestsPerSecond
	}
	if src.Limits.GlobalBurst != nil {
		dst.GlobalBurst = *src.Limits.GlobalBurst
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("CITIZENID_LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("CITIZENID_DB_PATH")); v != "" {
		cfg.DatabasePath = v
	}
	if v := strings.TrimSpace(os.Getenv("CITIZENID_RP_ID")); v != "" {
		cfg.RelyingPartyID = v
	}
	if v := strings.TrimSpace(os.Getenv("CITIZENID_RP_NAME")); v != "" {
		cfg.RelyingPartyName = v
	}
	if v := strings.TrimSpace(os.Getenv("CITIZENID_ORIGIN")); v != "" {
		cfg.Origin = v
	}
	if v := strings.TrimSpace(os.Getenv("CITIZENID_CHALLENGE_LIMIT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ChallengeLimit = n
		}
	}

	// The secret: env var first, secret-file second. Absence is not fatal
	// here; the challenge issuer reports it per request so the operator
	// sees a 500, never an unsigned challenge.
	if v := os.Getenv("CITIZENID_CHALLENGE_SECRET"); v != "" {
		cfg.ChallengeSecret = []byte(v)
		return
	}
	if path := strings.TrimSpace(os.Getenv("CITIZENID_CHALLENGE_SECRET_FILE")); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			cfg.ChallengeSecret = []byte(strings.TrimSpace(string(data)))
		}
	}
}
