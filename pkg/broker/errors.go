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

package broker

import "errors"

var (
	// ErrProtocolViolation is fatal to a connection: a malformed packet,
	// a server-only packet received from a client, or a second CONNECT.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrSessionConflict reports that a newer connection displaced this
	// one after a CONNECT with the same client ID.
	ErrSessionConflict = errors.New("session taken over by newer connection")
	// ErrUnsupportedProtocol reports a CONNECT with a protocol version
	// other than MQTT 3.1 or 3.1.1.
	ErrUnsupportedProtocol = errors.New("unsupported protocol version")
)

// MQTT 3.1.1 CONNACK return codes.
const (
	connackAccepted           byte = 0x00
	connackBadProtocolVersion byte = 0x01
	connackIdentifierRejected byte = 0x02
)
