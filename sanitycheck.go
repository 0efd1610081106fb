// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

// sanity check the configuration
func init() {
	if MaxMessageID < 1 {
		panic("MaxMessageID < 1")
	}
	if MaxMessageID > ProtocolMaxMessageID {
		panic("MaxMessageID > ProtocolMaxMessageID")
	}
	if DefaultHopLimit < 0 {
		panic("DefaultHopLimit < 0")
	}
	if DefaultMaxBacklog < DefaultBatchSize {
		panic("DefaultMaxBacklog < DefaultBatchSize")
	}
	if DefaultReconnectBurst < 1 {
		panic("DefaultReconnectBurst < 1")
	}
	if queuePoolSize < 1 {
		panic("queuePoolSize < 1")
	}
}
