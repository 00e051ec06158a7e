// Package registry tracks which endpoints receive which channel.
//
// A subscription is a (channel, endpoint) pair with an expiry. Register
// creates or refreshes it, Unregister and SweepExpired remove it. Readers
// never see expired entries: SubscribersOf filters by expiry on every call,
// so correctness does not depend on how often the sweep runs.
//
// Nothing here is persisted. A restart starts with an empty registry and
// listeners re-register on their next refresh.
package registry
