/*
Package health provides health check mechanisms for the cybernetics
fabric's own subsystems and external dependencies.

The package implements two check strategies (HTTP, TCP) behind a
common Checker interface, plus a Monitor that tracks per-component status
transitions and publishes a health_check_response event onto the fabric
bus whenever a component flips between healthy and unhealthy. Where the
container-orchestration original drove container replacement from these
checks, here they drive the fabric's own observability: a flipped
component surfaces as an event the registry and algedonic channel can
react to, not a container restart.

# Architecture

	┌─────────────────────────────────────────────────────────────┐
	│                   Health Check System                       │
	└─────┬──────────────────────────────────────────────────────┘
	      │
	      ▼
	┌──────────────────────────────────────────────────────────────┐
	│                     Checker Interface                        │
	│  • Check(ctx) Result                                         │
	│  • Type() CheckType                                          │
	└────────┬─────────────────────────────────────────────────────┘
	         │
	    ┌────┴──────┐
	    ▼           ▼
	┌────────┐  ┌───────┐
	│  HTTP  │  │  TCP  │
	│Checker │  │Checker│
	└────────┘  └───────┘
	     │          │
	     ▼          ▼
	  probe an    probe a
	  HTTP(S)     TCP socket
	  endpoint    (AMQP
	  (enricher   broker)
	  LLM API)

	┌──────────────────────────────────────────────────────────────┐
	│                        Monitor                                │
	│  Report(component, Result, Config) updates a per-component    │
	│  Status and, on a healthy/unhealthy transition, publishes     │
	│  health_check_response onto the event bus.                   │
	└──────────────────────────────────────────────────────────────┘

# Check Types

HTTP Checker:
  - Performs an HTTP request against a URL; healthy iff the response
    status falls in the configured range (default 200-399).
  - Use: probing the enrichment Model's HTTP endpoint, or any other
    HTTP-reachable dependency.

TCP Checker:
  - Opens and closes a TCP connection to an address; healthy iff the
    dial succeeds within the timeout.
  - Use: probing an AMQP broker's address before the router attempts a
    real publish.

# Usage

	checker := health.NewHTTPChecker("http://enricher:8081/health").
		WithTimeout(2 * time.Second)
	result := checker.Check(ctx)

	monitor := health.NewMonitor(bus)
	monitor.Report("enricher", result, health.DefaultConfig())

# Design Patterns

Strategy Pattern:
  - Checker is a small interface; HTTP/TCP are interchangeable
    strategies selected by what's being probed.

Debounced Transition Reporting:
  - Status.Update applies consecutive-failure/success thresholds before
    flipping state, so one flaky check doesn't flap the published event.

# See Also

  - pkg/eventbus for the health_check_response event shape
  - pkg/metrics for the counters Monitor updates alongside each report
*/
package health
