/*
Copyright 2016 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logutils configures the process-wide logrus logger the way
// spec.md §6 describes: ISO 8601 timestamps, a component tag starting
// with "warpgate", and a {text,json} format switch driven by --log-format.
// The component tag is logged under the trace.Component key; this package
// sets no field named `target` (the front-ends use `target` for the name
// of the proxied target).
package logutils

import (
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Format selects the structured-log encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Initialize configures logrus' standard logger for the whole process.
func Initialize(format Format, level logrus.Level) error {
	switch format {
	case FormatJSON:
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timestampFormat})
	case FormatText, "":
		logrus.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: timestampFormat,
			FullTimestamp:   true,
		})
	default:
		return trace.BadParameter("unsupported log format: %q", format)
	}
	logrus.SetLevel(level)
	return nil
}

// NewComponentLogger returns a FieldLogger tagged under trace.Component
// with "warpgate/<component>", mirroring trace.Component usage
// throughout the teacher's lib/srv package.
func NewComponentLogger(component string) logrus.FieldLogger {
	return logrus.WithField(trace.Component, "warpgate/"+component)
}
