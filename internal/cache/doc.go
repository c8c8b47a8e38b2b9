// Package cache implements the durable object store behind the proxy. Every
// object key maps to StoragePath/<namespace>/<escaped path>; next to the data
// file live a ".sha256" sidecar holding the hex digest and a ".meta" JSON
// record that doubles as the commit marker. Writes go through ".incomplete"
// temp files that are fsynced and renamed into place, so readers observe either
// the previous committed entry, no entry, or the new one, never a torn file.
package cache
