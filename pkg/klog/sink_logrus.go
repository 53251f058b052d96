// Copyright 2018 The gVisor Authors.
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

package klog

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogrusSink formats console lines through a *logrus.Logger, selecting
// text or JSON output the way runsc's --log-format flag does for the
// sentry's debug log.
type LogrusSink struct {
	name   string
	min    Level
	logger *logrus.Logger
}

// NewLogrusSink builds a sink writing to w. format is "text" or
// "json"; anything else falls back to text.
func NewLogrusSink(name string, min Level, w io.Writer, format string) *LogrusSink {
	l := logrus.New()
	l.SetOutput(w)
	if strings.EqualFold(format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	}
	return &LogrusSink{name: name, min: min, logger: l}
}

func (s *LogrusSink) Name() string    { return s.name }
func (s *LogrusSink) MinLevel() Level { return s.min }

func (s *LogrusSink) Write(level Level, line []byte) {
	entry := s.logger.WithField("klevel", level.String())
	msg := strings.TrimSuffix(string(line), "\n")
	switch level {
	case Debug:
		entry.Debug(msg)
	case Warning:
		entry.Warning(msg)
	case Error:
		entry.Error(msg)
	default:
		entry.Info(msg)
	}
}
