// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package testrand implements random data generation for tests.
package testrand

import (
	"math/rand"

	"github.com/google/uuid"
)

// rng is a random source shared by the helpers. Tests that need
// reproducible sequences should create their own rand.Rand.
var rng = rand.New(rand.NewSource(1))

// Intn returns, as an int, a non-negative random number in [0,n).
func Intn(n int) int { return rng.Intn(n) }

// Read fills the byte slice with random data.
func Read(data []byte) {
	const newSourceThreshold = 64
	if len(data) >= newSourceThreshold {
		_, _ = rand.New(rand.NewSource(rng.Int63())).Read(data)
		return
	}
	_, _ = rng.Read(data)
}

// BytesN generates size amount of random data.
func BytesN(size int) []byte {
	data := make([]byte, size)
	Read(data)
	return data
}

// UUID returns a random version 4 UUID.
func UUID() uuid.UUID {
	return uuid.Must(uuid.NewRandomFromReader(rng))
}
