// Package domain defines the core domain types and interfaces.
//
// Events, delivery targets and the contracts shared between the realtime core,
// the transports and the producers live here. No implementation code, just contracts.
package domain
