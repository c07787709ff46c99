// Package server wires the engine into an HTTP facade: a pull-through
// proxy route per cache namespace plus the /-/ management API. It owns
// the shared upstream HTTP client and the namespace registry; all
// caching, syncing and health logic lives in the engine packages.
package server
