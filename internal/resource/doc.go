// Package resource provides the in-memory registry of managed objects.
//
// A Registry belongs to one endpoint, so every entry shares the endpoint's
// host and port; entries are keyed by class and instance name. Index-form
// names (/Class/0, /Class/1, ...) address the Nth-created instance of a class
// and are resolved at lookup time.
//
// # Thread Safety
//
// The registry is guarded by a read-write lock. Readers receive copies of
// entries and never observe a partially applied mutation.
package resource
