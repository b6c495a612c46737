// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package cfgstruct binds configuration structs to flags via struct
// tags.
package cfgstruct

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// BindOpt is an option for the Bind method.
type BindOpt func(b *binder)

type binder struct {
	vars         map[string]string
	testDefaults bool
}

// ConfDir sets the $CONFDIR variable that may appear in flag defaults.
func ConfDir(path string) BindOpt {
	return func(b *binder) {
		b.vars["CONFDIR"] = path
	}
}

// UseTestDefaults prefers the testDefault tag over the regular
// default tag when both are present.
func UseTestDefaults() BindOpt {
	return func(b *binder) {
		b.testDefaults = true
	}
}

// Bind sets flags on a FlagSet that match the configuration struct.
// Fields are named by their lower-hyphenated path, e.g. a field
// MaxAttempts under a struct field Queue becomes queue.max-attempts.
func Bind(flags *pflag.FlagSet, config interface{}, opts ...BindOpt) {
	ptr := reflect.ValueOf(config)
	if ptr.Kind() != reflect.Ptr || ptr.Elem().Kind() != reflect.Struct {
		panic(fmt.Sprintf("invalid config type: %#v, expected pointer to struct", config))
	}

	b := &binder{vars: map[string]string{}}
	for _, opt := range opts {
		opt(b)
	}
	b.bindStruct(flags, ptr.Elem(), "")
}

func (b *binder) bindStruct(flags *pflag.FlagSet, v reflect.Value, prefix string) {
	structType := v.Type()

	for i := 0; i < structType.NumField(); i++ {
		field, value := structType.Field(i), v.Field(i)
		if !field.IsExported() {
			continue
		}

		name := prefix + hyphenate(field.Name)
		help := field.Tag.Get("help")
		def := field.Tag.Get("default")
		if b.testDefaults {
			if testDefault, ok := field.Tag.Lookup("testDefault"); ok {
				def = testDefault
			}
		}
		def = b.expand(def)

		switch addr := value.Addr().Interface().(type) {
		case *time.Duration:
			var d time.Duration
			if def != "" {
				parsed, err := time.ParseDuration(def)
				if err != nil {
					panic(invalidDefault(name, def, err))
				}
				d = parsed
			}
			flags.DurationVar(addr, name, d, help)

		case *string:
			flags.StringVar(addr, name, def, help)

		case *bool:
			var val bool
			if def != "" {
				parsed, err := strconv.ParseBool(def)
				if err != nil {
					panic(invalidDefault(name, def, err))
				}
				val = parsed
			}
			flags.BoolVar(addr, name, val, help)

		case *int:
			var val int
			if def != "" {
				parsed, err := strconv.Atoi(def)
				if err != nil {
					panic(invalidDefault(name, def, err))
				}
				val = parsed
			}
			flags.IntVar(addr, name, val, help)

		case *int64:
			var val int64
			if def != "" {
				parsed, err := strconv.ParseInt(def, 10, 64)
				if err != nil {
					panic(invalidDefault(name, def, err))
				}
				val = parsed
			}
			flags.Int64Var(addr, name, val, help)

		case *uint32:
			var val uint32
			if def != "" {
				parsed, err := strconv.ParseUint(def, 10, 32)
				if err != nil {
					panic(invalidDefault(name, def, err))
				}
				val = uint32(parsed)
			}
			flags.Uint32Var(addr, name, val, help)

		case *uint64:
			var val uint64
			if def != "" {
				parsed, err := strconv.ParseUint(def, 10, 64)
				if err != nil {
					panic(invalidDefault(name, def, err))
				}
				val = parsed
			}
			flags.Uint64Var(addr, name, val, help)

		case *float64:
			var val float64
			if def != "" {
				parsed, err := strconv.ParseFloat(def, 64)
				if err != nil {
					panic(invalidDefault(name, def, err))
				}
				val = parsed
			}
			flags.Float64Var(addr, name, val, help)

		case *[]string:
			var val []string
			if def != "" {
				val = strings.Split(def, ",")
			}
			flags.StringSliceVar(addr, name, val, help)

		default:
			if value.Kind() == reflect.Struct {
				if field.Anonymous {
					// embedded configs flatten into the parent prefix
					b.bindStruct(flags, value, prefix)
					continue
				}
				b.bindStruct(flags, value, name+".")
				continue
			}
			panic(fmt.Sprintf("invalid field type %s for flag %s", field.Type, name))
		}
	}
}

func (b *binder) expand(def string) string {
	for name, value := range b.vars {
		def = strings.ReplaceAll(def, "$"+name, value)
	}
	return def
}

func invalidDefault(name, def string, err error) string {
	return fmt.Sprintf("invalid default %q for flag %s: %v", def, name, err)
}

// hyphenate converts a camel-cased field name to its lower-hyphenated
// flag form, e.g. MaxAttempts to max-attempts and DatabaseURL to
// database-url.
func hyphenate(name string) string {
	runes := []rune(name)
	var out []rune
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 {
			prevLower := unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || (unicode.IsUpper(runes[i-1]) && nextLower) {
				out = append(out, '-')
			}
		}
		out = append(out, unicode.ToLower(r))
	}
	return string(out)
}

// SetupFlag registers a setup-only string flag, excluded from saved
// configuration files.
func SetupFlag(log *zap.Logger, cmd *cobra.Command, dest *string, name, value, usage string) {
	cmd.PersistentFlags().StringVar(dest, name, value, usage)
	markSetup(log, cmd, name)
}

// SetupBoolFlag registers a setup-only bool flag, excluded from saved
// configuration files.
func SetupBoolFlag(log *zap.Logger, cmd *cobra.Command, dest *bool, name string, value bool, usage string) {
	cmd.PersistentFlags().BoolVar(dest, name, value, usage)
	markSetup(log, cmd, name)
}

func markSetup(log *zap.Logger, cmd *cobra.Command, name string) {
	if err := cmd.PersistentFlags().SetAnnotation(name, "setup", []string{"true"}); err != nil {
		log.Error("Failed to set 'setup' annotation", zap.String("Flag", name), zap.Error(err))
	}
}
