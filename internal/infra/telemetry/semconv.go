package telemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys shared by storefront instruments.
const (
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrOperation names the mutation or call being measured (add, set_quantity, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrSignal is the bus signal name.
	AttrSignal = attribute.Key("signal")
	// AttrBackend identifies the storage or transport backend.
	AttrBackend = attribute.Key("backend")
	AttrPhase   = attribute.Key("identity.phase")
	AttrScheme  = attribute.Key("url.scheme")
	AttrKind    = attribute.Key("loading.kind")
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultMissing = "missing"
)

// OperationResultAttributes returns the attributes for an operation outcome.
func OperationResultAttributes(operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ResultOf maps an error to a result label.
func ResultOf(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}
