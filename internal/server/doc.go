// Package server hosts the Fiber HTTP service, the request-id middleware, and
// the namespace registry that maps mirror domains and namespace names onto
// proxy routes. It also owns the shared upstream http.Client so every
// namespace reuses one transport. Keep exports narrow and accept explicit
// dependencies; main wires the cache, coordinator and handler together.
package server
