// Package app provides the producer-facing use cases.
//
// The Notifier turns write-path outcomes (a message sent, a post created or
// updated, a comment added or removed, a profile changed) into domain events
// and hands them to a domain.Deliverer. It never fails because delivery failed.
package app
