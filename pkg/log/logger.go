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

// Package log provides a source-tagged leveled logging front-end on top
// of klog. Loggers are obtained per source and each source can have
// debug logging toggled individually, either programmatically or using
// the LOGGER_DEBUG environment variable.
package log

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Logger is the interface for producing log messages for a source.
type Logger interface {
	// Debug formats and emits a debug message, if debugging is
	// enabled for the source.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Panic formats and emits an error message then panics with it.
	Panic(format string, args ...interface{})

	// DebugEnabled returns true if debug messages are enabled.
	DebugEnabled() bool
	// EnableDebug enables or disables debug messages, returning the
	// previous setting.
	EnableDebug(bool) bool
	// Source returns the source of the logger.
	Source() string
}

const (
	// debugEnvVar is the environment variable used to seed debugging flags.
	debugEnvVar = "LOGGER_DEBUG"
	// defaultSource is the source of the default logger.
	defaultSource = "default"
)

type logger struct {
	source string
}

var (
	lock    sync.RWMutex
	loggers = make(map[string]*logger)
	dbgmap  = make(map[string]bool)
	deflog  = get(defaultSource)
)

// Get returns the named logger, creating it if necessary.
func Get(source string) Logger {
	lock.Lock()
	defer lock.Unlock()
	return get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return Get(source)
}

// Default returns the default logger.
func Default() Logger {
	return deflog
}

// EnableDebug enables or disables debugging for the given source,
// returning the previous setting.
func EnableDebug(source string, enabled bool) bool {
	lock.Lock()
	defer lock.Unlock()

	prev := dbgmap[source]
	dbgmap[source] = enabled
	return prev
}

func get(source string) *logger {
	if l, ok := loggers[source]; ok {
		return l
	}
	l := &logger{source: source}
	loggers[source] = l
	return l
}

func (l *logger) prefix(format string) string {
	return l.source + ": " + format
}

func (l *logger) Debug(format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	klog.InfoDepth(1, fmt.Sprintf(l.prefix("D: "+format), args...))
}

func (l *logger) Info(format string, args ...interface{}) {
	klog.InfoDepth(1, fmt.Sprintf(l.prefix(format), args...))
}

func (l *logger) Warn(format string, args ...interface{}) {
	klog.WarningDepth(1, fmt.Sprintf(l.prefix(format), args...))
}

func (l *logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, fmt.Sprintf(l.prefix(format), args...))
}

func (l *logger) Panic(format string, args ...interface{}) {
	msg := fmt.Sprintf(l.prefix(format), args...)
	klog.ErrorDepth(1, msg)
	panic(msg)
}

func (l *logger) DebugEnabled() bool {
	lock.RLock()
	defer lock.RUnlock()

	if enabled, ok := dbgmap[l.source]; ok {
		return enabled
	}
	return dbgmap["*"]
}

func (l *logger) EnableDebug(enabled bool) bool {
	return EnableDebug(l.source, enabled)
}

func (l *logger) Source() string {
	return l.source
}

// Seed debugging flags from the environment. The value is a comma-
// separated list of sources, with 'all' or '*' enabling everything.
func init() {
	value, ok := os.LookupEnv(debugEnvVar)
	if !ok {
		return
	}

	for _, src := range strings.Split(value, ",") {
		if src = strings.TrimSpace(src); src == "" {
			continue
		}
		if src == "all" {
			src = "*"
		}
		dbgmap[src] = true
	}

	deflog.Info("seeded debug flags ($%s): %s", debugEnvVar, value)
}
