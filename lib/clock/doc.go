// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source. The event loop's
// timer queue, the session registry's record timestamps, and the
// protocol client's connect backoff all read time through a Clock so
// tests can substitute a deterministic fake.
package clock
