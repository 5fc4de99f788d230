package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-api/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// Debug handlers mounted under /debug/, e.g. "ratelimit" -> /debug/ratelimit
	Debug map[string]http.Handler
	// OnPanic is called for every recovered panic, e.g. to bump a counter
	OnPanic func()
}
