// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the runtime collaborator the memory planner needs: something that can
// allocate one physical buffer of a given size, and release it later.
//
// Backends register themselves by name (usually in an init function), and New picks one based
// on the configuration: see Config.
//
// Errors from the device are returned as error values; misuse of the API (e.g. no registered
// backends) panics with a stack trace. See package github.com/gomlx/exceptions.
package backends

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Buffer is an opaque handle to memory allocated by a Backend.
type Buffer interface {
	// Size in bytes of the buffer.
	Size() int
}

// HostBuffer is implemented by buffers that live in the Go heap and can be accessed directly.
type HostBuffer interface {
	Buffer

	// Bytes returns the buffer contents. It must not be used after the buffer is deallocated.
	Bytes() []byte
}

// Backend is the API a device runtime needs to implement to back the arena of a planned graph.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "host".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Alloc allocates a buffer of nbytes.
	Alloc(nbytes int) (Buffer, error)

	// Dealloc releases a buffer returned by Alloc. The buffer must not be used afterward.
	Dealloc(buffer Buffer) error

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) Backend

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a constructor that takes as input a configuration string.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the names of the registered backends.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	return names
}

// DefaultConfig is the backend configuration used if the environment doesn't define one.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend configuration to use.
const ConfigEnvVar = "TENSORPLAN_BACKEND"

// Config is read from the environment with the "tensorplan" prefix.
type Config struct {
	// Backend is formatted as "<backend_name>:<backend_configuration>", see NewWithConfig.
	Backend string `envconfig:"BACKEND"`
}

// LoadConfig reads Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("tensorplan", &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to read backend configuration from the environment")
	}
	return cfg, nil
}

// New returns a new default Backend.
//
// The configuration used is, in order of preference:
//
//  1. The environment variable TENSORPLAN_BACKEND.
//  2. The variable DefaultConfig.
//  3. The first registered backend with an empty configuration.
func New() (Backend, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	config := cfg.Backend
	if config == "" {
		config = DefaultConfig
	}
	return NewWithConfig(config)
}

// MustNew is like New but panics on error.
func MustNew() Backend {
	backend, err := New()
	if err != nil {
		panic(err)
	}
	return backend
}

// NewWithConfig takes a configuration string formatted as "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "host") and "<backend_configuration>"
// is backend specific. An empty name selects the first registered backend.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends for tensorplan -- maybe import the default one with import _ "github.com/gomlx/tensorplan/backends/host"?`)
	}
	backendName := config
	backendConfig := ""
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	if backendName == "" {
		backendName = firstRegistered
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given, registered backends are %q",
			backendName, config, List())
	}
	klog.V(1).Infof("using backend %q (config %q)", backendName, backendConfig)
	return constructor(backendConfig), nil
}
