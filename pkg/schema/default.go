// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package schema

import _ "embed"

// DefaultDocument is the built-in artifact repository schema, used when a
// deployment supplies no schema of its own.
//
//go:embed default.jsonc
var DefaultDocument []byte
