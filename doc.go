// Package driftsync is an embeddable real-time data synchronization core
// for multi-device applications.
//
// Entity state is tracked as an immutable version DAG with branching,
// structural diffing, and three-way merges. Concurrent edits are reconciled
// by a pluggable conflict resolver (last/first writer wins, three-way merge,
// operational transform for text, custom rules, user decisions). Every
// mutation is recorded in a checksummed append-only event log with
// snapshots, replay, and incrementally-updated projections. An offline
// handler queues work durably across restarts and drains it when
// connectivity returns, and a device coordinator fans changes out to a
// user's other devices over a websocket transport.
//
// The top-level SyncService composes all components from a single Config:
//
//	cfg := driftsync.DefaultConfig()
//	svc, err := driftsync.New(cfg, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := svc.Initialize(); err != nil {
//		log.Fatal(err)
//	}
//	if err := svc.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//	defer svc.Stop()
//
//	resp, err := svc.ProcessSyncRequest(ctx, &driftsync.SyncRequest{
//		Operation:  "create",
//		EntityType: "doc",
//		EntityID:   "1",
//		Data:       driftsync.Document{"title": "hello"},
//	})
//
// Storage is pluggable: in-memory, local filesystem, SQLite, or S3.
package driftsync
