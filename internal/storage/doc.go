// Package storage holds the files clients upload to the server and deletes
// them again when their time-to-live runs out.
//
// # Overview
//
// Every file lives under a single flat namespace. Names are plain file names;
// anything containing a path separator, a NUL byte, or a leading dot is
// rejected with ErrInvalidName before it reaches a backend.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│      Transfer state machine         │
//	│        (internal/server)            │
//	└─────────────────────────────────────┘
//	        │                    │
//	        ▼                    ▼
//	┌───────────────┐   ┌─────────────────┐
//	│ Store/Upload  │◀──│     Sweeper     │
//	│  interfaces   │   │ (ExpiryTracker) │
//	└───────────────┘   └─────────────────┘
//	    │        │
//	    ▼        ▼
//	┌────────┐ ┌────────┐
//	│ Memory │ │  Disk  │
//	│ Store  │ │ Store  │
//	└────────┘ └────────┘
//
// # Uploads
//
// Store.Create returns an Upload. Bytes written to it are invisible until
// Commit, which atomically replaces any file of the same name. Abort discards
// the partial data. DiskStore stages uploads in hidden files inside the
// storage directory and renames them into place, so a crash never leaves a
// truncated file under a real name.
//
// # Expiry
//
// A Sweeper owns the deadlines for one store. Uploads are published through
// Sweeper.Commit, which drops any earlier deadline for the name and schedules
// the new one under the lock that expiry deletes also hold; a zero TTL means
// the file is kept forever. Start runs a ticker loop
// that deletes due files, and ExpireIfDue lets a download refuse a file whose
// deadline passed between two ticks.
//
// # Usage
//
//	store, err := storage.NewDiskStore("./storage")
//	if err != nil {
//	    return err
//	}
//	sweeper := storage.NewSweeper(time.Second, store)
//	go sweeper.Start(ctx)
//	defer sweeper.Stop()
//
//	up, _ := store.Create("notes.txt")
//	up.Write(data)
//	deadline, err := sweeper.Commit("notes.txt", up, 10*time.Minute)
//
// # Thread Safety
//
// Stores, the tracker, and the sweeper are safe for concurrent use. A single
// Upload must only be used from one goroutine.
package storage
