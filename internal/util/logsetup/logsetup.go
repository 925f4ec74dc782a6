// Copyright 2024 The Authors.
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
//
// SPDX-License-Identifier: Apache-2.0

// Package logsetup configures the process-wide logrus logger from the
// "log level" configuration key (spec §6).
package logsetup

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// Configure sets the package-level logrus logger's level and a
// text formatter with full timestamps, returning the configured
// *logrus.Logger for callers that want to avoid the global logger.
func Configure(level string) *logrus.Logger {
	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
		log.WithField("requested", level).Warn("unrecognized log level, defaulting to info")
	}
	log.SetLevel(lvl)
	return log
}

// ForCollection returns a log entry fielded with the collection name,
// the unit of work most of the engine's log lines are scoped to.
func ForCollection(collection string) *logrus.Entry {
	return logrus.WithField("collection", collection)
}
