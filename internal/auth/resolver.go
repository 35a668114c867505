// Package auth resolves the company code from the places a user can supply it.
// Sources are tried in the order they were added; the first one that yields a
// value wins and the value is normalized before it is returned.
package auth

import (
	"errors"
	"fmt"
	"os"

	"github.com/inovacc/tillsync/internal/scope"
)

// CodeEnv is the environment variable read by WithEnv callers by default
const CodeEnv = "TILLSYNC_CODE"

// ErrNoCode is returned when no source yields a code
var ErrNoCode = errors.New("company code required")

// Source indicates where a code was found
type Source string

const (
	SourceFlag   Source = "flag"
	SourceEnv    Source = "env"
	SourceConfig Source = "config"
	SourceQR     Source = "qr"
	SourcePrompt Source = "prompt"
	SourceNone   Source = "none"
)

// Result contains the resolved code and its source
type Result struct {
	Code   string
	Source Source
	Name   string // e.g. "TILLSYNC_CODE"
}

// Provider attempts to provide a raw code. An empty code means the source
// has nothing; errors are reserved for failures such as an unreadable prompt.
type Provider func() (code string, err error)

type provider struct {
	source Source
	name   string
	fn     Provider
	// parse turns the raw value into a code, NormalizeCode when nil
	parse func(string) (string, error)
}

// Resolver resolves the company code from multiple sources in priority order
type Resolver struct {
	providers   []provider
	helpMessage string
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// WithFlag adds a flag value. It is read at resolution time.
func (r *Resolver) WithFlag(name string, value *string) *Resolver {
	r.providers = append(r.providers, provider{source: SourceFlag, name: name, fn: func() (string, error) {
		if value == nil {
			return "", nil
		}

		return *value, nil
	}})

	return r
}

// WithValue adds a value that is already known, typically a positional argument.
func (r *Resolver) WithValue(source Source, value string) *Resolver {
	r.providers = append(r.providers, provider{source: source, name: string(source), fn: func() (string, error) {
		return value, nil
	}})

	return r
}

// WithEnv adds an environment variable.
func (r *Resolver) WithEnv(envVar string) *Resolver {
	r.providers = append(r.providers, provider{source: SourceEnv, name: envVar, fn: func() (string, error) {
		return os.Getenv(envVar), nil
	}})

	return r
}

// WithConfig adds the code stored in the config file.
func (r *Resolver) WithConfig(code string) *Resolver {
	r.providers = append(r.providers, provider{source: SourceConfig, name: "config", fn: func() (string, error) {
		return code, nil
	}})

	return r
}

// WithQR adds a scanned barcode payload.
func (r *Resolver) WithQR(payload *string) *Resolver {
	r.providers = append(r.providers, provider{
		source: SourceQR,
		name:   "qr",
		fn: func() (string, error) {
			if payload == nil {
				return "", nil
			}

			return *payload, nil
		},
		parse: scope.ParseQRPayload,
	})

	return r
}

// WithPrompt adds an interactive source, normally last.
func (r *Resolver) WithPrompt(fn Provider) *Resolver {
	r.providers = append(r.providers, provider{source: SourcePrompt, name: "prompt", fn: fn})
	return r
}

// WithHelpMessage sets the help message shown when no code is found
func (r *Resolver) WithHelpMessage(msg string) *Resolver {
	r.helpMessage = msg
	return r
}

// Resolve returns the first code found, normalized.
// A malformed code stops the search; it is never skipped in favor of a later source.
func (r *Resolver) Resolve() (*Result, error) {
	for _, p := range r.providers {
		raw, err := p.fn()
		if err != nil {
			return nil, fmt.Errorf("failed to read code from %s: %w", p.name, err)
		}

		if raw == "" {
			continue
		}

		parse := p.parse
		if parse == nil {
			parse = scope.NormalizeCode
		}

		code, err := parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid code from %s: %w", p.name, err)
		}

		return &Result{Code: code, Source: p.source, Name: p.name}, nil
	}

	if r.helpMessage != "" {
		return nil, fmt.Errorf("%w\n\n%s", ErrNoCode, r.helpMessage)
	}

	return nil, ErrNoCode
}
