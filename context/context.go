// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package context defines the context.Context keys shared across taskflow
// packages, kept in one place so that two packages never collide on a key.
package context

type key int

const (
	// MetricsClientKey looks up the metrics.Client installed on a context.
	MetricsClientKey key = iota
)
