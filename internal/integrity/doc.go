// Package integrity computes object digests while bytes stream through the
// proxy and decides whether a stored object is still fresh. Digests are sha256
// rendered as lowercase hex; content tags are compared after stripping weak
// prefixes and quotes.
package integrity
