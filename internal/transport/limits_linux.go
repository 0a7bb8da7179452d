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

//go:build linux

package transport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ApplyLimits sets hard and soft rlimits on the running process pid.
func ApplyLimits(pid int, l Limits) error {
	if l.AddressSpaceBytes > 0 {
		rl := unix.Rlimit{Cur: l.AddressSpaceBytes, Max: l.AddressSpaceBytes}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &rl, nil); err != nil {
			return fmt.Errorf("RLIMIT_AS: %w", err)
		}
	}
	if l.OpenFiles > 0 {
		rl := unix.Rlimit{Cur: l.OpenFiles, Max: l.OpenFiles}
		if err := unix.Prlimit(pid, unix.RLIMIT_NOFILE, &rl, nil); err != nil {
			return fmt.Errorf("RLIMIT_NOFILE: %w", err)
		}
	}
	return nil
}
