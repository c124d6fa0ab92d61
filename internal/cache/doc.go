// Package cache holds recently read chunk payloads in memory.
//
// Entries are keyed by the checksum and length of the encoded payload, so a
// hit returns bytes that already passed verification when they were first
// read. Payloads shared by several chunks of a super-chunk share one entry.
package cache
