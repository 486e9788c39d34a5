package realtime

// Logging convention in the `realtime` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - bus connect/close and registry drain
//     - rejected sessions and recovered handler panics
// Warning:
//     unexpected panics even if handled and suppressed for partial operation
// V(1):
//     key lifecycle events with doc names that can be used to filter
// V(2):
//     frequent events - e.g. publish, receive, awareness fan-out -
//     per-message trace that is too chatty for normal operation
