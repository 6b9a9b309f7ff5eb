// Package config loads worker settings from the environment with an
// optional YAML overlay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// Env reads typed settings. A malformed value keeps the fallback and is
// recorded, so a typo in a deployment surfaces as a startup error.
type Env struct {
	lookup func(string) (string, bool)
	errs   []error
}

// NewEnv reads from the process environment.
func NewEnv() *Env {
	return &Env{lookup: os.LookupEnv}
}

func (e *Env) raw(key string) (string, bool) {
	value, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (e *Env) invalid(key, value string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, value, err))
}

func (e *Env) String(key, fallback string) string {
	if value, ok := e.lookup(key); ok {
		return value
	}
	return fallback
}

func (e *Env) Int(key string, fallback int) int {
	value, ok := e.raw(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		e.invalid(key, value, err)
		return fallback
	}
	return parsed
}

// Bytes accepts a plain integer or one suffixed with KiB, MiB or GiB.
func (e *Env) Bytes(key string, fallback int64) int64 {
	value, ok := e.raw(key)
	if !ok {
		return fallback
	}
	units := []struct {
		suffix string
		shift  uint
	}{{"GiB", 30}, {"MiB", 20}, {"KiB", 10}}
	shift := uint(0)
	for _, u := range units {
		if strings.HasSuffix(value, u.suffix) {
			value, shift = strings.TrimSpace(strings.TrimSuffix(value, u.suffix)), u.shift
			break
		}
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil || parsed < 0 {
		if err == nil {
			err = errors.New("negative size")
		}
		e.invalid(key, value, err)
		return fallback
	}
	return parsed << shift
}

func (e *Env) Bool(key string, fallback bool) bool {
	value, ok := e.raw(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		e.invalid(key, value, err)
		return fallback
	}
	return parsed
}

// Seconds reads an integer number of seconds.
func (e *Env) Seconds(key string, fallback time.Duration) time.Duration {
	return time.Duration(e.Int(key, int(fallback/time.Second))) * time.Second
}

// Millis reads an integer number of milliseconds.
func (e *Env) Millis(key string, fallback time.Duration) time.Duration {
	return time.Duration(e.Int(key, int(fallback/time.Millisecond))) * time.Millisecond
}

// Err joins every malformed value seen so far.
func (e *Env) Err() error {
	return errors.Join(e.errs...)
}
