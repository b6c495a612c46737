// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package process

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// SaveConfigOption changes the behavior of SaveConfig.
type SaveConfigOption func(*saveConfig)

type saveConfig struct {
	overrides map[string]interface{}
}

// SaveConfigWithOverrides forces the given values into the written
// config file, regardless of the current flag values.
func SaveConfigWithOverrides(overrides map[string]interface{}) SaveConfigOption {
	return func(save *saveConfig) {
		for key, value := range overrides {
			save.overrides[key] = value
		}
	}
}

// SaveConfig writes the flags of cmd as a YAML config file at
// outfile. Values still at their defaults are written commented out,
// so the file documents the full configuration surface.
func SaveConfig(cmd *cobra.Command, outfile string, opts ...SaveConfigOption) error {
	save := &saveConfig{overrides: map[string]interface{}{}}
	for _, opt := range opts {
		opt(save)
	}

	type entry struct {
		name    string
		usage   string
		value   interface{}
		changed bool
	}
	var entries []entry

	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Name == "help" || flag.Name == "config-dir" {
			return
		}
		if len(flag.Annotations["setup"]) > 0 {
			return
		}

		entry := entry{
			name:    flag.Name,
			usage:   flag.Usage,
			value:   flag.Value.String(),
			changed: flag.Changed,
		}
		if value, ok := save.overrides[flag.Name]; ok {
			entry.value = value
			entry.changed = true
		}
		entries = append(entries, entry)
	})

	sort.Slice(entries, func(i, k int) bool { return entries[i].name < entries[k].name })

	var buf bytes.Buffer
	for _, entry := range entries {
		if entry.usage != "" {
			fmt.Fprintf(&buf, "# %s\n", entry.usage)
		}
		line, err := yaml.Marshal(map[string]interface{}{entry.name: entry.value})
		if err != nil {
			return Error.Wrap(err)
		}
		if entry.changed {
			buf.Write(line)
		} else {
			fmt.Fprintf(&buf, "# %s", line)
		}
		buf.WriteByte('\n')
	}

	return Error.Wrap(os.WriteFile(outfile, buf.Bytes(), 0o644))
}
