// Package plan implements the orb's plan layer: the QR-scan, idle,
// face-detect, biometric-capture (with extensions), biometric-pipeline,
// enrollment, and master plans the broker drives during a signup, plus the
// warmup and wifi auxiliary plans.
//
// Each plan embeds orb.NoopPlan and overrides the handlers it needs; waits
// and timeouts run through PollExtra, never by suspending a handler.
package plan
