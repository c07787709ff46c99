// Package adapter implements the per-protocol backends used to mirror remote
// sources: HTTP(S) index crawling, FTP/SFTP/WebDAV directory walks, rsync via
// the system binary, shallow Git clones, S3-compatible object listing and a
// local filesystem walk with hardlink dedup. Every backend satisfies the same
// two-method contract (List, Fetch); fetches always stage to a temp file and
// rename into place, and every failure is classified into the
// transient/permanent/auth/not-found taxonomy before it leaves the package.
package adapter
