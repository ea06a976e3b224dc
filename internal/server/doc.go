// Package server hosts the Fiber HTTP service, request middleware chain, and
// site registry glue that maps the inbound Host (a site domain or one of its
// CDN hosts) to the site whose offline cache manager should intercept the
// request. Keep exports narrow and accept explicit dependencies; the proxy and
// routes packages build on the constructors exposed here.
package server
