package otel

import (
	"go.opentelemetry.io/otel/attribute"
)

const (
	AttrPartition    = attribute.Key("sonar.partition")
	AttrStatus       = attribute.Key("sonar.status")
	AttrLeaseEvent   = attribute.Key("sonar.lease.event")
	AttrErrorAction  = attribute.Key("sonar.error.action")
	AttrErrorPhase   = attribute.Key("sonar.error.phase")
	AttrErrorKind    = attribute.Key("sonar.error.kind")
	AttrTransport    = attribute.Key("sonar.transport")
	AttrWorkerStatus = attribute.Key("sonar.worker.status")
)

// Status values
const (
	StatusSuccess  = "success"
	StatusRetry    = "retry"
	StatusFailed   = "failed"
	StatusRejected = "rejected"
	StatusStale    = "stale"
	StatusError    = "error"
)

// Lease event values
const (
	LeaseAcquired = "acquired"
	LeaseRenewed  = "renewed"
	LeaseReleased = "released"
	LeaseLost     = "lost"
)
