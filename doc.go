// Package orbcore is the concurrent agent runtime and broker/plan scheduler
// that drives the orb's capture, enrollment, and custody-upload pipeline.
//
// It provides modular, interface-driven building blocks: typed ports
// connecting an agent to its owner, three agent execution substrates (task,
// thread, subprocess), a broker that dispatches agent outputs to a plan, and
// the plan layer itself (idle, QR scan, face detect, biometric capture,
// biometric pipeline, custody-package build, enrollment).
//
// # Quick start
//
// A broker is built from a statically-known set of agent cells and driven
// with a plan:
//
//	o, err := orb.Builder{Env: env, Mcu: mcu, Config: cfg}.Build(ctx)
//	if err != nil {
//		return err
//	}
//	defer o.Shutdown()
//	master := &plan.Master{Backend: backend, Builder: builder}
//	for {
//		if _, err := master.RunOnce(ctx, o); err != nil {
//			return err
//		}
//	}
//
// # Core interfaces
//
// The root package defines the contracts every component implements, and
// package orb adds the plan contract on top:
//
//   - [PortAgent] — a long-lived component with a typed input/output port
//   - [Broker] — the generic drive loop that dispatches outputs to a plan
//   - orb.Plan — a strategy consumed by the orb broker, implementing
//     per-agent handlers and PollExtra
//   - [Tracer] / [Span] — OTEL-backed tracing, nil-safe when unconfigured
//
// # Included packages
//
// internal/shmem (subprocess IPC transport), internal/agentproc (subprocess
// spawn/restart), orb (domain broker + agents), plan (idle/qrscan/facedetect/
// capture/pipeline/master/enroll), internal/pcp (personal custody package builder),
// network (retrying HTTP client for backend calls), observer (OTEL wiring),
// internal/config, internal/calibration, internal/mirror, internal/mecard,
// internal/irisbits.
package orbcore
