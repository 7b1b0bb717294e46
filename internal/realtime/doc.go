// Package realtime implements the connection registry and the delivery router.
//
// The Registry maps live connections to the user they announced and the topics
// they joined, with forward and reverse indices kept consistent under a single lock.
// The Router resolves an event's target against the registry while holding that lock
// briefly, then pushes to each resolved connection with the lock released. Producers
// hand events to the Router and never wait for delivery outcomes.
package realtime
