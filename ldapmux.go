// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

const (
	// ProtocolMaxMessageID is the largest message ID allowed by RFC 4511.
	ProtocolMaxMessageID = MessageID(math.MaxInt32)
	// DefaultHopLimit is the default number of chained referrals followed.
	DefaultHopLimit = 10
	// DefaultBatchSize is the default number of search results fetched per batch.
	DefaultBatchSize = 1
	// DefaultMaxBacklog is the default number of undelivered search results
	// buffered per operation before the reader stops decoding.
	DefaultMaxBacklog = 100
	// DefaultDialTimeout is how long to wait for a TCP or WebSocket connection.
	DefaultDialTimeout = time.Second * 30
	// DefaultWriteTimeout bounds a single frame write on the shared stream.
	DefaultWriteTimeout = time.Second * 30
	// DefaultPort is the port used for ldap:// URLs without an explicit port.
	DefaultPort = 389
	// DefaultTLSPort is the port used for ldaps:// URLs without an explicit port.
	DefaultTLSPort = 636
	// DefaultReconnectBurst is the number of dials to one endpoint allowed back to back.
	DefaultReconnectBurst = 10
	// queuePoolSize is the number of idle Queues kept for reuse.
	queuePoolSize = 64
)

var (
	// MaxMessageID is the highest message ID allocated before wrapping (configurable).
	MaxMessageID = ProtocolMaxMessageID // usually ProtocolMaxMessageID
	// DefaultReconnectRate is the sustained rate at which one endpoint may be dialed.
	DefaultReconnectRate = rate.Every(time.Second / 10)
)
