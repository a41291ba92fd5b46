package bugmon

import (
	"fmt"
	"io"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

type configYaml struct {
	Attempts int `yaml:"attempts" default:"3"`

	SkipBudget     int `yaml:"skipBudget" default:"5"`
	ConfirmRetries int `yaml:"confirmRetries" default:"2"`

	ReopenConfirmations int `yaml:"reopenConfirmations" default:"2"`

	RunTimeout time.Duration `yaml:"runTimeout" default:"60000"`

	MaxConcurrentBugs uint `yaml:"maxConcurrentBugs"`
	AttemptPoolSize   int  `yaml:"attemptPoolSize" default:"1"`

	Baseline string `yaml:"baseline"`

	Dockerfile     string `yaml:"dockerfile"`
	DockerfilePath string `yaml:"dockerfilePath"`

	BuildsManifest string `yaml:"buildsManifest"`
}

// A Config carries the tunables of a monitoring run. The zero value is not
// usable, configs are produced by GetConfigFromReader or populated manually.
type Config struct {
	// How many reproduction attempts to run per build. Odd values avoid
	// majority-vote ties.
	Attempts int

	// How many consecutive unusable candidate builds a bisection tolerates
	// before aborting as inconclusive.
	SkipBudget int

	// How many times a bisection's final boundary pair may fail
	// re-confirmation before the search aborts as inconclusive.
	ConfirmRetries int

	// How many independent reproductions are required before a bug that the
	// tracker marks fixed is flagged as reopened.
	ReopenConfirmations int

	// Per-run harness timeout. A run exceeding it is discarded, not counted
	// as evidence.
	RunTimeout time.Duration

	// The max amount of bugs processed concurrently, or 0 if no limit.
	MaxConcurrentBugs uint

	// How many reproduction attempts against one build may run concurrently.
	// Values above 1 are only honored if the harness is safe for concurrent
	// invocation.
	AttemptPoolSize int

	// Revision assumed good when a bug has no recorded regression range and
	// its description yields no initial revision. Empty falls back to the
	// branch's earliest available build.
	Baseline string

	// The contents of the dockerfile for the sandbox harness.
	Dockerfile string
	// The path to the dockerfile. Only gets used if Dockerfile is empty.
	DockerfilePath string

	// Path to the yaml manifest enumerating resolvable builds per branch.
	BuildsManifest string
}

// GetConfigFromReader reads a monitoring config in yaml format from a reader
// and initializes the corresponding config struct. Durations are given in
// milliseconds.
func GetConfigFromReader(r io.Reader) (*Config, error) {
	var config configYaml
	if err := defaults.Set(&config); err != nil {
		return nil, err
	}

	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&config); err != nil {
		return nil, err
	}

	if config.Attempts < 1 {
		return nil, fmt.Errorf("invalid attempts count %d", config.Attempts)
	}
	if config.AttemptPoolSize < 1 {
		return nil, fmt.Errorf("invalid attempt pool size %d", config.AttemptPoolSize)
	}

	return &Config{
		Attempts: config.Attempts,

		SkipBudget:     config.SkipBudget,
		ConfirmRetries: config.ConfirmRetries,

		ReopenConfirmations: config.ReopenConfirmations,

		RunTimeout: config.RunTimeout * time.Millisecond,

		MaxConcurrentBugs: config.MaxConcurrentBugs,
		AttemptPoolSize:   config.AttemptPoolSize,

		Baseline: config.Baseline,

		Dockerfile:     config.Dockerfile,
		DockerfilePath: config.DockerfilePath,

		BuildsManifest: config.BuildsManifest,
	}, nil
}
