/*
Package log provides structured logging for the cybernetics fabric using
zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support
filtering by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("registry")                │          │
	│  │  - WithNodeID(nodeID)                       │          │
	│  │  - WithPatternName("variety_overflow")      │          │
	│  │  - WithTopic("sensor.temperature")          │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Log Levels

Debug Level:
  - Purpose: Detailed diagnostic information
  - Usage: Development and troubleshooting only

Info Level:
  - Purpose: Normal operational events
  - Example: "pattern registered: variety_overflow"

Warn Level:
  - Purpose: Potential issues or unexpected conditions
  - Example: "pattern evaluation panicked; isolated"

Error Level:
  - Purpose: Operation failures that need investigation
  - Example: "failed to publish pattern_match"

Fatal Level:
  - Purpose: Critical errors causing process termination
  - Behavior: Logs message and exits process (os.Exit(1))

# Usage

Initializing the Logger:

	import "github.com/cuemby/cybersyn/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Simple Logging:

	log.Info("fabric initialized")
	log.Warn("adaptive persist interval shortened")
	log.Error("failed to save HNSW index")

Structured Logging:

	log.Logger.Info().
		Str("pattern", "variety_overflow").
		Int("urgency", 5).
		Msg("critical pattern matched")

Component and Context Loggers:

	registryLog := log.WithComponent("registry")
	registryLog.Info().Msg("pattern library reloaded")

	patternLog := log.WithPatternName("variety_overflow")
	patternLog.Debug().Msg("evaluated against event")

	nodeLog := log.WithNodeID(nodeID)
	nodeLog.Info().Msg("clock skew corrected")

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance, initialized once at process
    start and accessible from every package without threading it through
    constructors.

Context Logger Pattern:
  - Child loggers carry fixed fields (component, pattern name, topic) so
    call sites don't repeat them on every log line.

Error Logging Pattern:
  - Always use .Err(err) for error values rather than string formatting,
    so the error is a structured field.

# Security

  - Never log secrets, credentials, or pattern library contents verbatim;
    log pattern names and match counts, not raw payloads.

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
*/
package log
