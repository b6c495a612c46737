// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package process provides the glue between cobra commands, flag
// binding, configuration files and process lifetime.
package process

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"inkdex.io/inkdex/private/cfgstruct"
)

// Error is the default process error class.
var Error = errs.Class("process")

// DefaultCfgFilename is the name of the config file inside the
// configuration directory.
const DefaultCfgFilename = "config.yaml"

var (
	mu      sync.Mutex
	configs = map[*cobra.Command][]interface{}{}
)

// Bind sets flags on the command that match the configuration struct
// and remembers the struct so Exec can fill it from the environment
// and the config file.
func Bind(cmd *cobra.Command, config interface{}, opts ...cfgstruct.BindOpt) {
	mu.Lock()
	defer mu.Unlock()

	cfgstruct.Bind(cmd.Flags(), config, opts...)
	configs[cmd] = append(configs[cmd], config)
}

// Exec runs a cobra command. Before any command body runs, flag values
// are layered from the config file, the INKDEX_* environment and the
// command line, and the global zap logger is replaced with the
// configured one.
func Exec(cmd *cobra.Command) {
	cmd.PersistentFlags().String("log.level", "info", "the minimum log level to output")
	cmd.SilenceUsage = true

	cleanup(cmd)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func cleanup(cmd *cobra.Command) {
	for _, child := range cmd.Commands() {
		cleanup(child)
	}
	if cmd.RunE == nil {
		return
	}

	internalRun := cmd.RunE
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		vip := viper.New()
		if err := vip.BindPFlags(cmd.Flags()); err != nil {
			return Error.Wrap(err)
		}
		vip.SetEnvPrefix("inkdex")
		vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		vip.AutomaticEnv()

		// setup commands write the config file, everything else reads it
		if confDir := findConfigDir(cmd); confDir != "" && cmd.Annotations["type"] != "setup" {
			path := filepath.Join(os.ExpandEnv(confDir), DefaultCfgFilename)
			if _, err := os.Stat(path); err == nil {
				vip.SetConfigFile(path)
				if err := vip.ReadInConfig(); err != nil {
					return Error.New("unable to read config file %s: %w", path, err)
				}
			}
		}

		if err := applyViper(cmd, vip); err != nil {
			return err
		}

		logger, err := NewLogger(vip.GetString("log.level"))
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		zap.ReplaceGlobals(logger)

		return internalRun(cmd, args)
	}
}

// applyViper propagates config file and environment values into flags
// the user did not set explicitly.
func applyViper(cmd *cobra.Command, vip *viper.Viper) error {
	flags := cmd.Flags()

	for _, key := range vip.AllKeys() {
		flag := flags.Lookup(key)
		if flag == nil || flag.Changed {
			continue
		}
		if !vip.IsSet(key) {
			continue
		}

		var value string
		if flag.Value.Type() == "stringSlice" {
			value = strings.Join(vip.GetStringSlice(key), ",")
		} else {
			value = vip.GetString(key)
		}
		if value == flag.DefValue {
			continue
		}
		if err := flag.Value.Set(value); err != nil {
			return Error.New("invalid value for %s: %w", key, err)
		}
	}
	return nil
}

func findConfigDir(cmd *cobra.Command) string {
	for c := cmd; c != nil; c = c.Parent() {
		if flag := c.Flags().Lookup("config-dir"); flag != nil {
			return flag.Value.String()
		}
	}
	return ""
}
