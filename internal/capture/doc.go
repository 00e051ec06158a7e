// Package capture records raw datagrams to an append-only CBOR file so a
// session can be replayed or inspected later with `nudge capture`.
package capture
