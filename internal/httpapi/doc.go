// Package httpapi is the REST binding of the collector.
//
// Routes live under /api/v1. /healthz, /metrics and the optional
// /debug/pprof tree sit at the root. Service runs the gin engine on an
// http.Server under a restart loop and applies config changes live.
package httpapi
