// Package storage persists forward rules, clone credentials and the action log.
//
// Backends:
//   - memory: process-local, for tests and throwaway runs
//   - file:   JSON snapshot for rules/clones + JSON Lines action log
//   - sqlite: modernc.org/sqlite (pure Go)
//   - mongo:  MongoDB collections (rules, clones, audit)
//
// Every mutation touches a single rule and is applied atomically by the backend.
package storage
