// Copyright 2024 Tigris Data, Inc.
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

import "github.com/rs/zerolog"

// cliLog serves code that runs before, or outside of, a module logger:
// configuration loading and the top level command error.
var cliLog = GetLogger("cli")

func Error() *zerolog.Event {
	return cliLog.Error()
}

func Warn() *zerolog.Event {
	return cliLog.Warn()
}

func Debug() *zerolog.Event {
	return cliLog.Debug()
}
