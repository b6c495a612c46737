// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package fpath provides path helpers for the command line tools.
package fpath

import (
	"os"
	"path/filepath"
	"runtime"
)

// ApplicationDir returns the per-OS directory for application data,
// with the given subdirectories appended.
func ApplicationDir(subdir ...string) string {
	var appdir string
	home := os.Getenv("HOME")

	switch runtime.GOOS {
	case "windows":
		for _, env := range []string{"AppData", "AppDataDir", "APPDATA"} {
			if dir := os.Getenv(env); dir != "" {
				appdir = dir
				break
			}
		}
	case "darwin":
		appdir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and the BSDs
		if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
			appdir = dir
		} else {
			appdir = filepath.Join(home, ".local", "share")
		}
	}
	return filepath.Join(append([]string{appdir}, subdir...)...)
}

// IsValidSetupDir reports whether dir can take a fresh configuration:
// it either does not exist yet, or exists without a config file in it.
func IsValidSetupDir(dir string) (bool, error) {
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}
