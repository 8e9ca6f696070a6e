// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by the broker.
//
// The admission controller waits a fixed backoff between listener
// construction attempts, and session handling measures dispatch
// latency. Both go through a Clock so tests can drive the backoff
// deterministically:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	server := broker.NewServer(config, dispatcher, resolver, broker.WithClock(c))
//	// ... start Serve in a goroutine ...
//	c.WaitForTimers(1)    // the retry backoff is registered
//	c.Advance(time.Second) // fire it
package clock
