// Package model holds the idarun configuration: a YAML file validated
// against an embedded CUE schema before decoding, so a malformed config
// fails with a field level message instead of a zero value surprise.
package model

import (
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version  int       `json:"version" yaml:"version"` // fixed 0 for now
	IDA      *IDA      `json:"ida,omitempty" yaml:"ida,omitempty"`
	Dispatch *Dispatch `json:"dispatch,omitempty" yaml:"dispatch,omitempty"`
	Service  *Service  `json:"service,omitempty" yaml:"service,omitempty"`
}

// IDA installation settings.
type IDA struct {
	Path      *string `json:"path,omitempty" yaml:"path,omitempty"`
	DetachEnv *bool   `json:"detach_env,omitempty" yaml:"detach_env,omitempty"`
}

// Dispatch worker pool settings.
type Dispatch struct {
	Workers *int    `json:"workers,omitempty" yaml:"workers,omitempty"`
	Timeout *string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Service level knobs, logging for now.
type Service struct {
	Verbose *bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log     *string `json:"log,omitempty" yaml:"log,omitempty"`
}

// DefaultConfig is what gets written on the first run when no config file
// exists yet.
func DefaultConfig() Config {
	workers := 4
	timeout := "0"
	return Config{
		Version: 0,
		Dispatch: &Dispatch{
			Workers: &workers,
			Timeout: &timeout,
		},
	}
}

// Workers returns the configured worker count or def.
func (c Config) Workers(def int) int {
	if c.Dispatch == nil || c.Dispatch.Workers == nil {
		return def
	}
	return *c.Dispatch.Workers
}

// Timeout returns the configured per job timeout or def. An unparsable
// duration falls back to def as well, the schema only enforces non empty.
func (c Config) Timeout(def time.Duration) time.Duration {
	if c.Dispatch == nil || c.Dispatch.Timeout == nil {
		return def
	}
	d, err := time.ParseDuration(*c.Dispatch.Timeout)
	if err != nil {
		return def
	}
	return d
}

// IDAPath returns the configured installation path, empty means discover.
func (c Config) IDAPath() string {
	if c.IDA == nil || c.IDA.Path == nil {
		return ""
	}
	return *c.IDA.Path
}

// DetachEnv reports whether jobs should drop the caller's virtualenv.
func (c Config) DetachEnv() bool {
	return c.IDA != nil && c.IDA.DetachEnv != nil && *c.IDA.DetachEnv
}

// Verbose reports whether debug logging is requested.
func (c Config) Verbose() bool {
	return c.Service != nil && c.Service.Verbose != nil && *c.Service.Verbose
}

// LoadConfig validates YAML from r against the CUE schema and decodes it.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}
