// Package download coordinates upstream fetches so that each object key is
// fetched at most once at a time. The first request for a missing or stale key
// starts a Flight that streams the upstream body into a temp file; every other
// request for the same key subscribes to that Flight and reads the bytes
// already on disk, blocking only for the tail that has not arrived yet. On
// success the temp file is verified and committed to the cache store; on
// failure every subscriber observes the same error and nothing is committed.
package download
