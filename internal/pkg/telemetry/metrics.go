package telemetry

import "go.opentelemetry.io/otel/attribute"

// Span and attribute names used for proximity instrumentation.
const (
	SpanProximityCycle = "proximity.cycle"

	AttrSession     = attribute.Key("proximity.session")
	AttrGeneration  = attribute.Key("proximity.generation")
	AttrOutcome     = attribute.Key("proximity.outcome")
	AttrNearRecords = attribute.Key("proximity.near_records")
	AttrWorkers     = attribute.Key("proximity.workers")
	AttrElapsedMs   = attribute.Key("proximity.elapsed_ms")
)
