// Package trust manages the device registry: registration of this
// installation's device identity, the trusted set that receives wrapped
// content keys, approval with content-key re-wrap, and revocation.
package trust
