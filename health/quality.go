// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"fmt"
	"time"
)

// Quality grades the connection from its most recent probe.
type Quality int

const (
	Excellent Quality = iota
	Good
	Poor
	Unstable
)

// Latency thresholds. A round trip below a threshold earns the grade
// on its left.
const (
	excellentBelow = 200 * time.Millisecond
	goodBelow      = 1000 * time.Millisecond
	poorBelow      = 3000 * time.Millisecond
)

// QualityForLatency grades one probe round trip.
func QualityForLatency(latency time.Duration) Quality {
	switch {
	case latency < excellentBelow:
		return Excellent
	case latency < goodBelow:
		return Good
	case latency < poorBelow:
		return Poor
	default:
		return Unstable
	}
}

// Degraded reports whether bulk work should be throttled.
func (q Quality) Degraded() bool {
	return q == Poor || q == Unstable
}

func (q Quality) String() string {
	switch q {
	case Excellent:
		return "excellent"
	case Good:
		return "good"
	case Poor:
		return "poor"
	case Unstable:
		return "unstable"
	default:
		return fmt.Sprintf("quality(%d)", int(q))
	}
}

// MarshalText encodes the quality name, so JSON snapshots read well.
func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}
