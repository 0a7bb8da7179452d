/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package transport holds the platform-specific process controls used by the
// process launcher: process groups, group kill and resource limits.
package transport

import "errors"

// ErrUnsupported is returned where the platform has no equivalent control.
var ErrUnsupported = errors.New("not supported on this platform")

// Limits are the kernel-enforced limits applied to a sandboxed child. Zero
// fields are left untouched.
type Limits struct {
	AddressSpaceBytes uint64
	OpenFiles         uint64
}
