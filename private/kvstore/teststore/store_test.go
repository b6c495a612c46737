// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package teststore_test

import (
	"testing"

	"inkdex.io/inkdex/private/kvstore/teststore"
	"inkdex.io/inkdex/private/kvstore/testsuite"
)

func TestSuite(t *testing.T) {
	store := teststore.New()
	defer func() { _ = store.Close() }()

	testsuite.RunTests(t, store)
}
