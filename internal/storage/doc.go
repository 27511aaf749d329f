// Package storage persists subscribers and district figures in SQLite.
//
// It holds:
//   - bot users keyed by their platform id, with an activation flag and the
//     data date they were last notified about
//   - district subscriptions
//   - districts and their daily figures
//
// *Store implements delivery.Registry.
package storage
