// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	metrics "github.com/rcrowley/go-metrics"
)

// ClientStats is a snapshot of a Client's counters.
type ClientStats struct {
	Calls    int64
	Failures int64
	BytesOut int64
}

// ServerStats is a snapshot of a Server's counters.
type ServerStats struct {
	Requests  int64
	Responses int64
	Errors    int64
	Unknown   int64
}

type clientStats struct {
	calls    metrics.Counter
	failures metrics.Counter
	bytesOut metrics.Counter
}

func newClientStats(r metrics.Registry, prefix string) *clientStats {
	return &clientStats{
		calls:    metrics.GetOrRegisterCounter(prefix+".calls", r),
		failures: metrics.GetOrRegisterCounter(prefix+".failures", r),
		bytesOut: metrics.GetOrRegisterCounter(prefix+".bytes.out", r),
	}
}

func (s *clientStats) snapshot() ClientStats {
	return ClientStats{
		Calls:    s.calls.Count(),
		Failures: s.failures.Count(),
		BytesOut: s.bytesOut.Count(),
	}
}

type serverStats struct {
	requests  metrics.Counter
	responses metrics.Counter
	errors    metrics.Counter
	unknown   metrics.Counter
}

func newServerStats(r metrics.Registry, prefix string) *serverStats {
	return &serverStats{
		requests:  metrics.GetOrRegisterCounter(prefix+".requests", r),
		responses: metrics.GetOrRegisterCounter(prefix+".responses", r),
		errors:    metrics.GetOrRegisterCounter(prefix+".errors", r),
		unknown:   metrics.GetOrRegisterCounter(prefix+".unknown", r),
	}
}

func (s *serverStats) snapshot() ServerStats {
	return ServerStats{
		Requests:  s.requests.Count(),
		Responses: s.responses.Count(),
		Errors:    s.errors.Count(),
		Unknown:   s.unknown.Count(),
	}
}
