/*
Package catalog defines the durable records the sync engine depends on.

Three Store implementations share one contract (see catalogtest):

  - Memory, for tests and single-process development
  - pgstore, PostgreSQL through a pgx pool
  - boltstore, an embedded bbolt file

The sync engine touches only a small part of the contract: IsMember for
admission, GetFile when a document session is opened, and
UpdateFileContent when the persistence bridge writes a merged snapshot.
The remaining operations serve the workspace, file and invite management
surfaces that sit outside the engine.
*/
package catalog
