// Package debug serves the optional operator HTTP endpoints: /healthz,
// /statusz, /debug/vars and /debug/pprof/. It binds to loopback by default
// and refuses other addresses unless a token is set or insecure mode is
// explicitly allowed.
package debug
