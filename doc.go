// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

/*
Package ldapmux implements the client side of LDAPv3 session multiplexing.

Many logical Sessions, each with their own constraints and possibly their own bound identity, share a small number of transports to a directory server. The package dispatches requests and responses over those shared transports, caches search results, and follows referrals.

A Muxer owns one transport (TCP, TLS or WebSocket). It allocates message ids, serializes writes, and runs a single reader goroutine that decodes inbound messages and delivers them to the Queue registered for their id. When a Queue falls behind by more than its MaxBacklog, the reader stops reading from the transport until the consumer catches up.

A Queue collects the inbound messages for one or more outstanding requests. Consumers block on it with NextMessage or WaitForFinal, or poll it with Poll. Queues may be merged, so that results from several requests, possibly on several Muxers, arrive in one stream.

A Pool owns the Muxers. Sessions created from the same Pool share a Muxer when they talk to the same endpoint as the same identity. A Session that binds as another identity moves to a Muxer of its own. When a transport is lost, its outstanding Queues fail with ErrServerUnavailable and the Session reconnects on next use.

Referrals and continuation references are followed transparently up to a hop limit, re-issuing the operation on the referred servers and folding their results into the original stream. With referral following disabled they are returned as *ReferralError.

An optional Cache stores complete search results, keyed by a checksum of the canonicalized request, evicting the oldest entries on size pressure or when their TTL expires.
*/
package ldapmux
