// Copyright The libgpuvm Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gpuvm

import (
	"fmt"

	logger "github.com/intel/libgpuvm/pkg/log"
)

var (
	log     = logger.Get("gpuvm")
	details = logger.Get("gpuvm-details")
)

// DumpState logs the contents of the external and evicted lists of the
// VM. In a reservation-protected VM the caller must hold the VM
// reservation.
func (vm *VM) DumpState(context ...interface{}) {
	if !details.DebugEnabled() {
		return
	}

	prefix := formatPrefix(context...)

	details.Debug("%sstate of address space %s:", prefix, vm.name)
	vm.dumpList(prefix, "external", &vm.ext)
	vm.dumpList(prefix, "evicted", &vm.evict)
}

func (vm *VM) dumpList(prefix, name string, l *objList) {
	entries := l.snapshot()
	if len(entries) == 0 {
		details.Debug("%s  no %s objects", prefix, name)
		return
	}

	details.Debug("%s  %s objects:", prefix, name)
	for _, o := range entries {
		details.Debug("%s    - %s", prefix, o)
	}
}

func formatPrefix(args ...interface{}) string {
	narg := len(args)
	if narg == 0 {
		return ""
	}

	format, ok := args[0].(string)
	if !ok {
		return "%%(!gpuvm:Bad-Prefix)"
	}

	if len(args) == 1 {
		return format
	}

	return fmt.Sprintf(format, args[1:]...)
}
