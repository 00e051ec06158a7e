// Package dispatch runs the relay pipeline.
//
// Per datagram: decode, then route by kind. Register and Unregister mutate
// the registry and are answered with an Ack to the source. A Nudge passes
// through the coalescer; when admitted it is re-encoded once and queued to
// every live subscriber except the sender. Acks received from clients are
// counted and dropped. Malformed datagrams get no reply.
//
// Nothing on this path is fatal. Read errors back off, send errors are
// counted per endpoint, and full queues drop work instead of blocking the
// receive loop.
package dispatch
