// Copyright 2026 Digital Platformer
//
// Structured Logging
// zap construction with secret redaction

// Package logging builds the process logger and enforces the secret
// redaction policy: no field whose key matches the denylist, and no value
// shaped like a ledger seed, ever reaches a log sink.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Redacted replaces any field value rejected by the guard pass.
const Redacted = "[REDACTED]"

// denylist holds lowercase substrings of field keys that must never be
// logged with their original value.
var denylist = []string{
	"seed",
	"secret",
	"privatekey",
	"private_key",
	"password",
	"passphrase",
	"masterkey",
	"master_key",
	"mnemonic",
}

// New constructs the production logger for the given level. Unknown levels
// fall back to info.
func New(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "", "info":
		lvl = zapcore.InfoLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	base, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return &redactingCore{Core: c}
	})), nil
}

// redactingCore wraps a zapcore.Core and sanitizes every field before it is
// written or attached via With.
type redactingCore struct {
	zapcore.Core
}

func (r *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: r.Core.With(sanitizeFields(fields))}
}

func (r *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if r.Enabled(ent.Level) {
		return ce.AddCore(ent, r)
	}
	return ce
}

func (r *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return r.Core.Write(ent, sanitizeFields(fields))
}

func sanitizeFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = sanitizeField(f)
	}
	return out
}

func sanitizeField(f zapcore.Field) zapcore.Field {
	if KeyDenied(f.Key) {
		return zap.String(f.Key, Redacted)
	}
	if f.Type == zapcore.StringType && ValueLooksLikeSeed(f.String) {
		return zap.String(f.Key, Redacted)
	}
	return f
}

// KeyDenied reports whether a field key matches the denylist.
func KeyDenied(key string) bool {
	k := strings.ToLower(key)
	for _, d := range denylist {
		if strings.Contains(k, d) {
			return true
		}
	}
	return false
}

// ValueLooksLikeSeed reports whether a string value is shaped like a ledger
// seed: longer than 20 characters, starting with 's', and base58-clean.
// Family seeds on the settlement ledger are base58 strings with an 's'
// prefix, so this errs toward redaction.
func ValueLooksLikeSeed(v string) bool {
	if len(v) <= 20 || v[0] != 's' {
		return false
	}
	for _, c := range v[1:] {
		if !isBase58(c) {
			return false
		}
	}
	return true
}

func isBase58(c rune) bool {
	switch {
	case c >= '1' && c <= '9':
		return true
	case c >= 'a' && c <= 'z':
		return c != 'l'
	case c >= 'A' && c <= 'Z':
		return c != 'I' && c != 'O'
	default:
		return false
	}
}
