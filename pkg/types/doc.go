// Package types defines the record model, the Store interface, configuration,
// and the standard errors shared by every component of the rolodex sync core.
//
// The core is a library: it owns local persistence, reconciliation with the
// remote authority, and device-trust encryption. The UI layer that consumes it
// lives elsewhere and talks to the core only through the types declared here.
package types
