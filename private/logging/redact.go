// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package logging provides helpers for keeping sensitive values out
// of logs.
package logging

import (
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Sentinel replaces the values of redacted keys.
const Sentinel = "[redacted]"

// defaultKeys are redacted when no explicit key set is configured.
var defaultKeys = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"credential",
	"api_key",
	"email",
	"contact_email",
}

// Redactor replaces the values of configured key names in nested
// structures before they are serialized into a log line.
type Redactor struct {
	keys map[string]struct{}
}

// NewRedactor returns a redactor for the given key names. Matching is
// case-insensitive. With no keys it protects a default set of
// credential-like names.
func NewRedactor(keys ...string) *Redactor {
	if len(keys) == 0 {
		keys = defaultKeys
	}
	redactor := &Redactor{keys: make(map[string]struct{}, len(keys))}
	for _, key := range keys {
		redactor.keys[strings.ToLower(key)] = struct{}{}
	}
	return redactor
}

// Value returns a copy of v with every value under a matching key
// replaced by the sentinel. Maps and slices are walked recursively.
// The input is never mutated.
func (redactor *Redactor) Value(v interface{}) interface{} {
	switch v := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, value := range v {
			if redactor.matches(key) {
				out[key] = Sentinel
				continue
			}
			out[key] = redactor.Value(value)
		}
		return out

	case map[string]string:
		out := make(map[string]string, len(v))
		for key, value := range v {
			if redactor.matches(key) {
				out[key] = Sentinel
				continue
			}
			out[key] = value
		}
		return out

	case map[string][]string: // url.Values and http.Header
		out := make(map[string][]string, len(v))
		for key, values := range v {
			if redactor.matches(key) {
				out[key] = []string{Sentinel}
				continue
			}
			out[key] = append([]string(nil), values...)
		}
		return out

	case []interface{}:
		out := make([]interface{}, len(v))
		for i, value := range v {
			out[i] = redactor.Value(value)
		}
		return out

	default:
		return v
	}
}

// Field wraps Value into a zap field.
func (redactor *Redactor) Field(key string, v interface{}) zap.Field {
	return zap.Any(key, redactor.Value(v))
}

func (redactor *Redactor) matches(key string) bool {
	_, ok := redactor.keys[strings.ToLower(key)]
	return ok
}

// Redacted masks the password of the url or connection string, when
// there is one.
func Redacted(source string) string {
	u, err := url.Parse(source)
	if err != nil || u.User == nil {
		return source
	}
	if _, ok := u.User.Password(); !ok {
		return source
	}
	u.User = url.UserPassword(u.User.Username(), "xxxxx")
	return u.String()
}
