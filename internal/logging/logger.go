/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
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

// Package logging holds procbeat's leveled logger. The default level is
// Warn and can be lowered through SetLevel or the process env
// `PROCBEAT_LOG_LEVEL` (0=Trace .. 4=Error, 5=silent).
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	levelNoPrint
)

var (
	// Default is the logger used by the server, collector and client
	// packages unless a named one is created with New.
	Default = &Logger{name: "", out: os.Stdout, callDepth: 3}

	level = LevelWarn

	magenta = string([]byte{27, 91, 57, 53, 109}) // Trace
	green   = string([]byte{27, 91, 57, 50, 109}) // Debug
	blue    = string([]byte{27, 91, 57, 52, 109}) // Info
	yellow  = string([]byte{27, 91, 57, 51, 109}) // Warn
	red     = string([]byte{27, 91, 57, 49, 109}) // Error
	reset   = string([]byte{27, 91, 48, 109})

	colors = []string{
		magenta,
		green,
		blue,
		yellow,
		red,
	}

	levelName = []string{
		"Trace",
		"Debug",
		"Info",
		"Warn",
		"Error",
	}
)

func init() {
	if v := os.Getenv("PROCBEAT_LOG_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n <= levelNoPrint {
			level = n
		}
	}
}

// SetLevel changes the level shared by all loggers.
func SetLevel(l int) {
	if l <= levelNoPrint {
		level = l
	}
}

// Logger writes colored, level-prefixed lines annotated with the caller's
// file and line.
type Logger struct {
	name      string
	out       io.Writer
	callDepth int
}

// New returns a named logger writing to out. A nil out falls back to stdout.
func New(name string, out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}
	return &Logger{
		name:      name,
		out:       out,
		callDepth: 3,
	}
}

func (l *Logger) Errorf(format string, a ...interface{}) {
	if level > LevelError {
		return
	}
	fmt.Fprintf(l.out, l.prefix(LevelError)+format+reset+"\n", a...)
}

func (l *Logger) Warnf(format string, a ...interface{}) {
	if level > LevelWarn {
		return
	}
	fmt.Fprintf(l.out, l.prefix(LevelWarn)+format+reset+"\n", a...)
}

func (l *Logger) Infof(format string, a ...interface{}) {
	if level > LevelInfo {
		return
	}
	fmt.Fprintf(l.out, l.prefix(LevelInfo)+format+reset+"\n", a...)
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	if level > LevelDebug {
		return
	}
	fmt.Fprintf(l.out, l.prefix(LevelDebug)+format+reset+"\n", a...)
}

func (l *Logger) Tracef(format string, a ...interface{}) {
	if level > LevelTrace {
		return
	}
	fmt.Fprintf(l.out, l.prefix(LevelTrace)+format+reset+"\n", a...)
}

func (l *Logger) prefix(level int) string {
	var buffer [64]byte
	buf := bytes.NewBuffer(buffer[:0])
	_, _ = buf.WriteString(colors[level])
	_, _ = buf.WriteString(levelName[level])
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(time.Now().Format("2006-01-02 15:04:05.999999"))
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.location())
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.name)
	_ = buf.WriteByte(' ')
	return buf.String()
}

func (l *Logger) location() string {
	_, file, line, ok := runtime.Caller(l.callDepth)
	if !ok {
		file = "???"
		line = 0
	}
	file = filepath.Base(file)
	return file + ":" + strconv.Itoa(line)
}
