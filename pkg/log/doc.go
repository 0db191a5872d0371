/*
Package log provides structured logging for Keymaster built on zerolog.

A single global logger is initialized once at process start via Init and
consumed through small child-logger helpers. Components create themselves a
child logger with WithComponent so every event carries a stable "component"
field; rotation and signing paths additionally tag events with the domain
and kid they operate on.

Output is JSON in production and a human-readable console format during
development, selected through Config.JSONOutput.
*/
package log
