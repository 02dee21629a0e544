// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package stack walks the goroutine stack to find out which package of
// swotap is logging or registering a metric.
package stack

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
)

// Call is a single program counter from a goroutine stack.
type Call uintptr

// Trace is a sequence of calls, innermost first.
type Trace []Call

var pcPool = sync.Pool{
	New: func() any {
		pcs := make([]uintptr, 512)
		return &pcs
	},
}

// Callers returns the stack of the caller.
func Callers() Trace {
	ptr := pcPool.Get().(*[]uintptr)
	defer pcPool.Put(ptr)
	n := runtime.Callers(2, *ptr)
	trace := make(Trace, n)
	for i, pc := range (*ptr)[:n] {
		trace[i] = Call(pc)
	}
	return trace
}

func (pc Call) function() *runtime.Func {
	return runtime.FuncForPC(uintptr(pc) - 1)
}

// FunctionName returns the fully qualified function name of the call,
// including its package path.
func (pc Call) FunctionName() string {
	fn := pc.function()
	if fn == nil {
		return "(nofunc)"
	}
	return fn.Name()
}

// SourceFile returns the source file of the call, relative to the module
// root and prefixed by the module name. The line number is appended when
// requested.
func (pc Call) SourceFile(withLine bool) string {
	fn := pc.function()
	if fn == nil {
		return "(nosource)"
	}
	file, line := fn.FileLine(uintptr(pc) - 1)
	name := fn.Name()

	// Keep as many trailing path elements as the import path has.
	for strings.Count(file, "/") > strings.Count(name, "/") {
		idx := strings.Index(file, "/")
		if idx == -1 {
			break
		}
		file = file[idx+1:]
	}
	dot := strings.Index(name, ".")
	if dot == -1 {
		return "(nosource)"
	}
	module, _, _ := strings.Cut(name[:dot], "/")
	if withLine {
		return fmt.Sprintf("%s/%s:%d", module, file, line)
	}
	return fmt.Sprintf("%s/%s", module, file)
}

var (
	ownPackage    = strings.SplitN(Callers()[0].FunctionName(), ".", 2)[0] // swotap/common/reporter/stack
	parentPackage = ownPackage[:strings.LastIndex(ownPackage, "/")]          // swotap/common/reporter

	// ModuleName is the name of the current module (swotap).
	ModuleName = strings.TrimSuffix(parentPackage[:strings.LastIndex(parentPackage, "/")], "/common")
)
