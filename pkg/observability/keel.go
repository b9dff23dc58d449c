// Payment-specific instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Payment semantic convention attributes.
var (
	// Intent attributes
	AttrIntentID     = attribute.Key("keel.intent.id")
	AttrIntentStatus = attribute.Key("keel.intent.status")
	AttrCredentialID = attribute.Key("keel.credential.id")
	AttrCurrency     = attribute.Key("keel.intent.currency")

	// Risk attributes
	AttrRiskDecision = attribute.Key("keel.risk.decision")
	AttrRiskScore    = attribute.Key("keel.risk.score")

	// Event / journal attributes
	AttrEventType     = attribute.Key("keel.event.type")
	AttrEventSequence = attribute.Key("keel.event.sequence")

	// Webhook attributes
	AttrDeliveryID     = attribute.Key("keel.webhook.delivery_id")
	AttrSubscriptionID = attribute.Key("keel.webhook.subscription_id")
	AttrDeliveryState  = attribute.Key("keel.webhook.state")

	// Settlement attributes
	AttrSettlementOutcome = attribute.Key("keel.settlement.outcome")
	AttrNetworkRef        = attribute.Key("keel.settlement.network_ref")
)

// IntentOperation creates attributes for lifecycle transitions.
func IntentOperation(intentID, status, credentialID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrIntentID.String(intentID),
		AttrIntentStatus.String(status),
		AttrCredentialID.String(credentialID),
	}
}

// RiskOperation creates attributes for a scoring pass.
func RiskOperation(intentID, decision string, score float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrIntentID.String(intentID),
		AttrRiskDecision.String(decision),
		AttrRiskScore.Float64(score),
	}
}

// WebhookOperation creates attributes for one delivery attempt.
func WebhookOperation(deliveryID, subscriptionID, eventType, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDeliveryID.String(deliveryID),
		AttrSubscriptionID.String(subscriptionID),
		AttrEventType.String(eventType),
		AttrDeliveryState.String(state),
	}
}

// SettlementOperation creates attributes for a settlement round trip.
func SettlementOperation(intentID, outcome, networkRef string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrIntentID.String(intentID),
		AttrSettlementOutcome.String(outcome),
		AttrNetworkRef.String(networkRef),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
