// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package taskflow implements a dataflow task-execution engine: processes
// declare typed inputs and outputs and a script body; the engine instantiates
// each process as a dataflow operator, materializes every firing into an
// isolated task, and dispatches execution through a pluggable backend.
package taskflow

import (
	"crypto"
	_ "crypto/sha256"

	"github.com/grailbio/base/digest"
)

// Digester is the digest function used throughout taskflow for content
// hashing and cache keys.
var Digester = digest.Digester(crypto.SHA256)
