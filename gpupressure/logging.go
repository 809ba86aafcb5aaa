// Copyright 2022-2025 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gpupressure

import (
	"io"
	"time"

	log "github.com/sirupsen/logrus"
)

// setupLogger configures the standard logrus logger. level has already been
// validated by Config.Validate.
func setupLogger(level string, out io.Writer) {
	log.SetOutput(out)
	log.SetFormatter(&log.TextFormatter{TimestampFormat: time.StampMilli, FullTimestamp: true})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}
