// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

// Provides a buffer of allocated but unused Queues.
var queuePool chan *Queue

func init() {
	queuePool = make(chan *Queue, queuePoolSize)
}

// QueueAlloc returns an empty Queue, reusing a released one if available.
func QueueAlloc(maxBacklog int) *Queue {
	select {
	case q := <-queuePool:
		q.reset(maxBacklog)
		return q
	default:
		return NewQueue(maxBacklog)
	}
}

// QueueFree releases a Queue for reuse. Queues that still have
// outstanding requests or buffered messages are left to the garbage collector.
func QueueFree(q *Queue) {
	if q != nil && q.Outstanding() == 0 && q.Len() == 0 {
		select {
		case queuePool <- q:
		default:
		}
	}
}
