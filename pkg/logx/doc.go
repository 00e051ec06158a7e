// Package logx is the relay's logging layer: a small value-type Logger on
// top of zerolog, a Service that swaps level and sinks on config reload,
// and Every for rate limiting per-datagram warnings.
//
// Console output goes to stderr so commands like `nudge sub` keep stdout
// for data. The file sink writes JSON lines.
package logx
