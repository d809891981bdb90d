// Package metric manages Prometheus metric registration for mKTL
// processes. A Registry owns a private prometheus.Registry preloaded with
// the core protocol metrics (requests, broadcasts, discovery, configuration
// cache) plus the Go runtime collectors; components record through the
// typed helpers on Metrics rather than touching Prometheus directly.
package metric
