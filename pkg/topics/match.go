// Copyright 2023 The gnatmq-go Authors
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

// Package topics implements MQTT topic name and topic filter handling:
// wildcard matching per the MQTT 3.1.1 specification and validation of
// names and filters. Filters are matched by splitting both strings on '/'
// and walking the levels in lockstep; no regular expressions are involved.
package topics

import "strings"

// Match reports whether topic matches filter according to MQTT wildcard
// rules. '+' matches exactly one level, '#' matches the remaining levels
// (including none) and must be the last level of the filter. Topics whose
// first level starts with '$' are only matched by filters whose first
// level is a literal '$...' level; '#' and '+' never match them at the
// root.
func Match(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if filter == topic {
		return true
	}

	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")

	// "$SYS/..." style topics must be matched explicitly.
	if strings.HasPrefix(topic, "$") {
		if filterLevels[0] == "+" || filterLevels[0] == "#" {
			return false
		}
	}

	for i, fl := range filterLevels {
		if fl == "#" {
			// '#' also matches the parent level itself, e.g. "foo/#"
			// matches "foo".
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if fl == "+" {
			// '+' matches any single non-empty level.
			if topicLevels[i] == "" {
				return false
			}
			continue
		}
		if fl != topicLevels[i] {
			return false
		}
	}

	// "foo/#" matching "foo": the filter minus its trailing '#' may be
	// one level shorter than the topic; handled above. Here every filter
	// level was consumed, so the topic must be exactly as long.
	return len(filterLevels) == len(topicLevels)
}
