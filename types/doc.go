/*
Package types provides the shared data model and error taxonomy of the
dispatch core.

types is the lowest-level package with no internal dependencies; the
router, handoff engine, fallback adapter, and context preservation
subsystem all build on the contracts defined here, which avoids circular
imports between them.

Core types:

  - Agent         — a worker with declared expertise and bounded capacity
  - Task          — an immutable unit of work submitted for routing
  - RoutingResult — the selected agent plus confidence and reasoning
  - Provider      — the execution backend contract (IsAvailable + Invoke)
  - Error / ErrorCode — structured errors with wrapped causes
*/
package types
