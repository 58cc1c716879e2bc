// Package liveness implements the Liveness Tracker for devicelink.
//
// Devices move between three states with no terminal state:
//
//	unknown --telemetry--> online --silence > threshold--> offline --telemetry--> online
//
// Promotion is event-driven and immediate: Observe is called for every
// processed telemetry message. Demotion is timeout-driven: Run sweeps every
// sweep interval (default 5s) and demotes online devices whose last message
// is older than the offline threshold (default 15s). Explicit status
// messages are applied through SetState.
//
// Every transition is persisted through the StatusStore and announced
// exactly once as a notify.EventStatusChange. Notifier failures are logged
// and never undo the transition.
//
// Time comes from a k8s.io/utils/clock clock so tests drive sweeps with a
// fake clock.
package liveness
