// Package recovery turns step failures into classified, ranked remediations
// and compensates executed steps.
//
// Classification is keyword based and deterministic. Categories are checked in
// priority order (network, authentication, authorization, resource, timeout,
// validation, dependency, configuration, system) and the first match wins;
// anything else is unknown. A mission context mentioning "critical" or
// "production" raises the severity to critical. System failures are not
// recoverable, and only manual or abort remediations are suggested for them.
//
// Rollback runs compensating steps one at a time, in reverse stage order. A
// compensating step that fails without ContinueOnError halts the rollback and
// the report is partial.
package recovery
