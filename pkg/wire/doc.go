// Package wire defines the nudge datagram format.
//
// Every datagram starts with a one-byte kind tag. All integers are
// big-endian.
//
//	Register   kind(1) chanLen(u16) channel ttlSeconds(u32)
//	Unregister kind(2) chanLen(u16) channel
//	Nudge      kind(3) chanLen(u16) channel payloadLen(u16) payload
//	Ack        kind(4) status(u8)
//
// Decode is strict: declared lengths must match the buffer exactly. A buffer
// shorter than its declared lengths yields ErrTruncated; anything else that
// does not parse (unknown tag, trailing bytes, oversized payload, unknown ack
// status) yields ErrMalformed. Channel names are not validated here; the
// dispatch engine owns channel policy so that a bad Register can still be
// answered with a rejection.
package wire
