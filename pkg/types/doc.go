/*
Package types defines the core data model shared across Keymaster's
components: per-kid key metadata, per-domain rotation policies, the
normalized write-path result type, and the error kinds the engine and
stores agree on.

The package is intentionally dependency-free so every other package can
import it without cycles.
*/
package types
