// Package scdb implements the SharpCoreDB single-file encrypted storage
// engine: the block store, block registry, free-space manager, page
// cache, write-ahead log, row-overflow tier, and corruption
// detector/repair that together back a [Db].
//
// A typical session:
//
//	opts, _ := scdb.DefaultCreateOptions()
//	db, err := scdb.Create(fs.NewReal(), "/tmp/a.scdb", "pw", opts)
//	...
//	txn, _ := db.Begin()
//	txn.WriteBlock("k1", []byte{0x00, 0x01})
//	txn.Commit()
//	db.Close()
//
//	db, err = scdb.Open(fs.NewReal(), "/tmp/a.scdb", "pw", scdb.DefaultOptions())
//	data, err := db.ReadBlock("k1")
//
// Errors are always a *[Error] carrying one of the sentinel kinds
// (ErrNotFound, ErrAuth, ErrCorruption, ...); callers should use
// errors.Is against the sentinels, not string matching.
package scdb
