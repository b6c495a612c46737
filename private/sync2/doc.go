// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package sync2 provides a set of functions and types for concurrency
// control.
package sync2
