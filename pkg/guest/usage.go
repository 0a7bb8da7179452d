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

package guest

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/srediag/plugin-host/pkg/protocol"
)

type selfSampler struct {
	proc *process.Process
}

func newSelfSampler() *selfSampler {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Debugf("process sampling unavailable: %v", err)
		return &selfSampler{}
	}
	return &selfSampler{proc: p}
}

// Sample reads the current usage of this process. Fields that cannot be
// read on the platform stay zero.
func (s *selfSampler) Sample() protocol.ResourceUsage {
	var u protocol.ResourceUsage
	if s.proc == nil {
		return u
	}
	if mi, err := s.proc.MemoryInfo(); err == nil {
		u.MemoryBytes = mi.RSS
	}
	if cpu, err := s.proc.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := s.proc.NumThreads(); err == nil && n > 0 {
		u.Threads = uint32(n)
	}
	if n, err := s.proc.NumFDs(); err == nil && n > 0 {
		u.OpenFiles = uint32(n)
	}
	return u
}
