package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// overrides is a koanf.Provider over a flat map, layered above the process
// environment by LoadForTests.
type overrides map[string]string

func (o overrides) ReadBytes() ([]byte, error) {
	return nil, errors.New("config: overrides provide a map, not bytes")
}

func (o overrides) Read() (map[string]any, error) {
	out := make(map[string]any, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out, nil
}

// reader pulls typed values out of koanf. Malformed values are collected
// rather than silently replaced by defaults.
type reader struct {
	k    *koanf.Koanf
	errs []error
}

func (r *reader) raw(key string) (string, bool) {
	v := strings.TrimSpace(r.k.String(key))
	return v, v != ""
}

func (r *reader) bad(key, value string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%s=%q: %w", key, value, err))
}

func (r *reader) str(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

func (r *reader) secret(key string) string { return r.k.String(key) }

func (r *reader) list(key string) []string {
	v, _ := r.raw(key)
	var out []string
	for part := range strings.SplitSeq(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.bad(key, v, err)
		return def
	}
	return d
}

func (r *reader) integer(key string, def int) int {
	return int(r.int64(key, int64(def)))
}

func (r *reader) int64(key string, def int64) int64 {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.bad(key, v, err)
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.bad(key, v, err)
		return def
	}
	return f
}

func (r *reader) flag(key string, def bool) bool {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "t", "true", "yes", "on":
		return true
	case "0", "f", "false", "no", "off":
		return false
	}
	r.bad(key, v, errors.New("not a boolean"))
	return def
}

func (r *reader) decimal(key, def string) decimal.Decimal {
	v, ok := r.raw(key)
	if !ok {
		return decimal.RequireFromString(def)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		r.bad(key, v, err)
		return decimal.RequireFromString(def)
	}
	return d
}
