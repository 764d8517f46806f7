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

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	// ErrInvalidTopicName is returned for PUBLISH topic names containing
	// wildcards or illegal characters.
	ErrInvalidTopicName = errors.New("invalid topic name")
	// ErrInvalidTopicFilter is returned for malformed subscription filters.
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
)

// ValidateName checks that topic is a legal topic name for PUBLISH:
// non-empty, valid UTF-8, no NUL character and no wildcard characters.
func ValidateName(topic string) error {
	if topic == "" {
		return ErrInvalidTopicName
	}
	if strings.ContainsAny(topic, "+#") {
		return ErrInvalidTopicName
	}
	if !utf8.ValidString(topic) || strings.ContainsRune(topic, 0) {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateFilter checks that filter is a legal subscription filter:
// non-empty, valid UTF-8, no NUL character, '#' only as the final level
// and both wildcards only as a whole level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return ErrInvalidTopicFilter
	}
	if !utf8.ValidString(filter) || strings.ContainsRune(filter, 0) {
		return ErrInvalidTopicFilter
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") {
			if level != "#" || i != len(levels)-1 {
				return ErrInvalidTopicFilter
			}
		}
		if strings.Contains(level, "+") && level != "+" {
			return ErrInvalidTopicFilter
		}
	}
	return nil
}
