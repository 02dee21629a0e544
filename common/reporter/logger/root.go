// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package logger handles logging for swotap.
//
// This is a thin wrapper around zerolog. Each event gets a "caller" field
// and a "module" field derived from the package emitting it, so logs can be
// filtered per component (for example "swotap/capture/pipeline").
package logger

import (
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"swotap/common/reporter/stack"
)

// Logger is a logger instance. It is compatible with the interface from
// zerolog.
type Logger struct {
	zerolog.Logger
}

// New creates a new logger from the global zerolog logger.
func New(config Configuration) (Logger, error) {
	return Logger{log.Logger.Hook(contextHook{})}, nil
}

type contextHook struct{}

// Run adds "caller" and "module" to an event.
func (h contextHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	callStack := stack.Callers()
	callStack = callStack[3:] // hook, zerolog.(*Event).msg, zerolog.(*Event).Msg
	e.Str("caller", callStack[0].SourceFile(true))
	for _, call := range callStack {
		module := call.FunctionName()
		if !strings.HasPrefix(module, stack.ModuleName) {
			continue
		}
		module, _, _ = strings.Cut(module, ".")
		e.Str("module", module)
		break
	}
}
