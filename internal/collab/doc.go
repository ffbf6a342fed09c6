// Package collab implements the real-time collaboration session manager:
// a registry of live workflow sessions, the inbound message protocol,
// presence and graph state broadcasting, and disconnect cleanup.
//
// All session state is owned by a single Engine whose handlers run one at a
// time on an actor goroutine, so the registry and rosters carry no locks.
package collab
