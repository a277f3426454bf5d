// Package config loads runtime settings from the environment with sane
// defaults, plus an optional YAML policy profile for threshold expressions.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chainbridge-labs/shadowcore/pkg/gate"
)

const (
	envSignerID         = "SHADOWCORE_SIGNER_ID"
	envGenesis          = "SHADOWCORE_GENESIS"
	envKeySeed          = "SHADOWCORE_KEY_SEED"
	envSoftBudgetMS     = "SHADOWCORE_SOFT_BUDGET_MS"
	envHardCapMS        = "SHADOWCORE_HARD_CAP_MS"
	envApprovalTimeout  = "SHADOWCORE_APPROVAL_TIMEOUT"
	envPilotPolicy      = "SHADOWCORE_PILOT_POLICY"
	envProductionPolicy = "SHADOWCORE_PRODUCTION_POLICY"
)

const (
	defaultSignerID         = "shadowcore-authority"
	defaultGenesis          = "genesis"
	defaultSoftBudget       = 50 * time.Millisecond
	defaultHardCap          = 500 * time.Millisecond
	defaultApprovalTimeout  = 30 * time.Second
	defaultPilotPolicy      = `amount_minor > 10000`
	defaultProductionPolicy = `amount_minor > 100000`
)

var ErrBadSetting = errors.New("invalid configuration value")

// Config carries the engine's runtime settings.
type Config struct {
	SignerID         string
	Genesis          string // chain anchor constant, never time-derived
	KeySeed          []byte // optional; empty means generate fresh keys
	SoftBudget       time.Duration
	HardCap          time.Duration
	ApprovalTimeout  time.Duration
	PilotPolicy      string
	ProductionPolicy string
}

// FromEnv reads configuration from SHADOWCORE_* environment variables,
// falling back to defaults for anything unset.
func FromEnv() (Config, error) {
	cfg := Config{
		SignerID:         getenv(envSignerID, defaultSignerID),
		Genesis:          getenv(envGenesis, defaultGenesis),
		SoftBudget:       defaultSoftBudget,
		HardCap:          defaultHardCap,
		ApprovalTimeout:  defaultApprovalTimeout,
		PilotPolicy:      getenv(envPilotPolicy, defaultPilotPolicy),
		ProductionPolicy: getenv(envProductionPolicy, defaultProductionPolicy),
	}

	if v := os.Getenv(envKeySeed); v != "" {
		seed, err := hex.DecodeString(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrBadSetting, envKeySeed, err)
		}
		cfg.KeySeed = seed
	}
	if v := os.Getenv(envSoftBudgetMS); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return Config{}, fmt.Errorf("%w: %s=%q", ErrBadSetting, envSoftBudgetMS, v)
		}
		cfg.SoftBudget = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv(envHardCapMS); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return Config{}, fmt.Errorf("%w: %s=%q", ErrBadSetting, envHardCapMS, v)
		}
		cfg.HardCap = time.Duration(ms) * time.Millisecond
	}
	if cfg.HardCap < cfg.SoftBudget {
		return Config{}, fmt.Errorf("%w: hard cap %v below soft budget %v", ErrBadSetting, cfg.HardCap, cfg.SoftBudget)
	}
	if v := os.Getenv(envApprovalTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("%w: %s=%q", ErrBadSetting, envApprovalTimeout, v)
		}
		cfg.ApprovalTimeout = d
	}
	return cfg, nil
}

// PolicyExpressions maps the configured expressions by mode for the gate.
func (c Config) PolicyExpressions() map[gate.Mode]string {
	return map[gate.Mode]string{
		gate.ModePilot:      c.PilotPolicy,
		gate.ModeProduction: c.ProductionPolicy,
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// PolicyProfile is the YAML shape of an operator-maintained policy file.
type PolicyProfile struct {
	Pilot           string `yaml:"pilot"`
	Production      string `yaml:"production"`
	ApprovalTimeout string `yaml:"approval_timeout"`
}

// LoadPolicyProfile reads a YAML policy profile and overlays it on cfg.
// Empty fields in the profile leave the existing setting untouched.
func LoadPolicyProfile(path string, cfg Config) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading policy profile: %w", err)
	}
	return applyProfile(raw, cfg)
}

func applyProfile(raw []byte, cfg Config) (Config, error) {
	var p PolicyProfile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Config{}, fmt.Errorf("%w: policy profile: %v", ErrBadSetting, err)
	}
	if p.Pilot != "" {
		cfg.PilotPolicy = p.Pilot
	}
	if p.Production != "" {
		cfg.ProductionPolicy = p.Production
	}
	if p.ApprovalTimeout != "" {
		d, err := time.ParseDuration(p.ApprovalTimeout)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("%w: approval_timeout=%q", ErrBadSetting, p.ApprovalTimeout)
		}
		cfg.ApprovalTimeout = d
	}
	return cfg, nil
}
