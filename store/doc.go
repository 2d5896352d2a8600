// Package store provides key/value backends for persisting session
// credentials: an in-process map, a BoltDB file and a Redis hash-less
// keyspace. All of them satisfy tapak.KeyValueStore.
package store
