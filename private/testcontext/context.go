// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package testcontext implements a convenience context for tests that
// tracks goroutines and temporary directories.
package testcontext

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout is the default timeout for a whole test.
const DefaultTimeout = 3 * time.Minute

// TB is the minimal testing interface the context needs.
type TB interface {
	Name() string
	Helper()
	Fatal(args ...interface{})
}

// Context implements a test context that is canceled on timeout,
// waits for tracked goroutines during Cleanup and manages a temporary
// directory.
type Context struct {
	context.Context

	group  *errgroup.Group
	test   TB
	cancel context.CancelFunc

	once      sync.Once
	directory string
}

// New creates a new test context with the default timeout.
func New(test TB) *Context {
	return NewWithTimeout(test, DefaultTimeout)
}

// NewWithTimeout creates a new test context with a given timeout.
func NewWithTimeout(test TB, timeout time.Duration) *Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	group, ctx := errgroup.WithContext(ctx)
	return &Context{
		Context: ctx,
		group:   group,
		test:    test,
		cancel:  cancel,
	}
}

// Go runs fn in a tracked goroutine. Call Cleanup to check the result.
func (ctx *Context) Go(fn func() error) {
	ctx.test.Helper()
	ctx.group.Go(fn)
}

// Check calls fn and fails the test on error.
func (ctx *Context) Check(fn func() error) {
	ctx.test.Helper()
	if err := fn(); err != nil {
		ctx.test.Fatal(err)
	}
}

// Dir returns a directory path inside the temporary test directory,
// creating it when needed.
func (ctx *Context) Dir(subs ...string) string {
	ctx.test.Helper()

	ctx.once.Do(func() {
		var err error
		ctx.directory, err = os.MkdirTemp("", sanitize(ctx.test.Name()))
		if err != nil {
			ctx.test.Fatal(err)
		}
	})

	dir := filepath.Join(append([]string{ctx.directory}, subs...)...)
	if err := os.MkdirAll(dir, 0o744); err != nil {
		ctx.test.Fatal(err)
	}
	return dir
}

// File returns a file path inside the temporary test directory.
func (ctx *Context) File(subs ...string) string {
	ctx.test.Helper()

	if len(subs) == 0 {
		ctx.test.Fatal("expected at least one path element")
	}

	dir := ctx.Dir(subs[:len(subs)-1]...)
	return filepath.Join(dir, subs[len(subs)-1])
}

// Cleanup waits for all tracked goroutines, checks their errors and
// deletes the temporary directory.
func (ctx *Context) Cleanup() {
	ctx.test.Helper()

	defer ctx.deleteTemporary()
	defer ctx.cancel()

	if err := ctx.group.Wait(); err != nil {
		ctx.test.Fatal(err)
	}
}

func (ctx *Context) deleteTemporary() {
	if ctx.directory == "" {
		return
	}
	if err := os.RemoveAll(ctx.directory); err != nil {
		ctx.test.Fatal(err)
	}
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '-'
		}
		return r
	}, name)
}
