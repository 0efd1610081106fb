// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build race

package ldapmux

// race detector can only handle max of 8192 goroutines,
// so the concurrency tests scale themselves down.
const raceEnabled = true
