// Copyright 2026 The gVisor Authors.
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

package log

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusEmitter forwards log statements to a logrus logger, so that the
// memory substrate can share a sink with a host process that already logs
// through logrus.
type LogrusEmitter struct {
	// Logger is the destination. If nil, the logrus standard logger is used.
	Logger *logrus.Logger

	// Fields are attached to every entry.
	Fields logrus.Fields
}

func (e LogrusEmitter) entry(timestamp time.Time) *logrus.Entry {
	l := e.Logger
	if l == nil {
		l = logrus.StandardLogger()
	}
	return l.WithFields(e.Fields).WithTime(timestamp)
}

// Emit implements Emitter.Emit.
func (e LogrusEmitter) Emit(_ int, level Level, timestamp time.Time, format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	entry := e.entry(timestamp)
	switch level {
	case Warning:
		entry.Warn(msg)
	case Info:
		entry.Info(msg)
	default:
		entry.Debug(msg)
	}
}

// LogrusLevel returns the logrus level equivalent to level.
func LogrusLevel(level Level) logrus.Level {
	switch level {
	case Warning:
		return logrus.WarnLevel
	case Info:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}

// newLogrusLogger returns a logrus logger writing to w. Level filtering is
// left to BasicLogger, so the logrus side accepts everything.
func newLogrusLogger(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.DebugLevel)
	return l
}
