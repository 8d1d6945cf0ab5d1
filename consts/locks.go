package consts

// MigrateAdvisoryLockID is a unique integer used for a PostgreSQL advisory
// lock, serializing schema migrations against a running gateway instance.
const MigrateAdvisoryLockID = 58112374 // A randomly chosen integer
