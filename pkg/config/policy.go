package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/voxelbench/voxelbench/pkg/pipeline"
	"github.com/voxelbench/voxelbench/pkg/run"
)

// Stage policies are operational knobs, so they live in a tracked YAML file
// rather than the environment: retry ceilings, backoff, timeouts, and pool
// sizes per stage kind, overridable per deployment.
//
// File shape:
//
//	stages:
//	  BUILDING:
//	    max_attempts: 3
//	    backoff_base: 30s
//	    backoff_max: 10m
//	    stage_timeout: 30m
//	    workers: 2
//	    max_queued: 8
//
// Unset kinds and fields fall back to built-in defaults.

// DefaultPolicies returns the built-in per-kind policy set. Prompt, parse,
// and validate are cheap and run wide; build and render are resource heavy
// and run with small pools and long timeouts.
func DefaultPolicies() map[run.StageKind]pipeline.Policy {
	wide := pipeline.Policy{
		MaxAttempts:  3,
		BackoffBase:  10 * time.Second,
		BackoffMax:   5 * time.Minute,
		StageTimeout: 5 * time.Minute,
		Workers:      8,
		MaxQueued:    64,
	}
	heavy := pipeline.Policy{
		MaxAttempts:  3,
		BackoffBase:  30 * time.Second,
		BackoffMax:   10 * time.Minute,
		StageTimeout: 30 * time.Minute,
		Workers:      2,
		MaxQueued:    8,
	}
	return map[run.StageKind]pipeline.Policy{
		run.StagePromptExecution:   wide,
		run.StageResponseParsing:   wide,
		run.StageCodeValidation:    wide,
		run.StageBuilding:          heavy,
		run.StageRendering:         heavy,
		run.StageSamplePreparation: wide,
	}
}

// LoadPolicies reads the stage policy file, merging it over the defaults.
// An empty path returns the defaults unchanged.
func LoadPolicies(path string) (map[run.StageKind]pipeline.Policy, error) {
	policies := DefaultPolicies()
	if path == "" {
		return policies, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading stage policy file %s: %w", path, err)
	}

	var file struct {
		Stages map[string]pipeline.Policy `mapstructure:"stages"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("unmarshaling stage policy file %s: %w", path, err)
	}

	for name, override := range file.Stages {
		kind := run.StageKind(strings.ToUpper(name))
		base, ok := policies[kind]
		if !ok {
			return nil, fmt.Errorf("stage policy file %s names unknown stage %q", path, name)
		}
		policies[kind] = mergePolicy(base, override)
	}
	return policies, nil
}

// mergePolicy overlays set fields of the override onto the base.
func mergePolicy(base, over pipeline.Policy) pipeline.Policy {
	if over.MaxAttempts > 0 {
		base.MaxAttempts = over.MaxAttempts
	}
	if over.BackoffBase > 0 {
		base.BackoffBase = over.BackoffBase
	}
	if over.BackoffMax > 0 {
		base.BackoffMax = over.BackoffMax
	}
	if over.StageTimeout > 0 {
		base.StageTimeout = over.StageTimeout
	}
	if over.Workers > 0 {
		base.Workers = over.Workers
	}
	if over.MaxQueued > 0 {
		base.MaxQueued = over.MaxQueued
	}
	return base
}
