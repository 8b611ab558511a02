package telemetry

import "testing"

func TestDeliveryAttributesAppendResult(t *testing.T) {
	attrs := DeliveryAttributes("dev", "EURUSD", "sleeper", ResultError)
	if len(attrs) != 4 {
		t.Fatalf("expected 4 attributes, got %d", len(attrs))
	}
	if attrs[3].Key != AttrResult || attrs[3].Value.AsString() != ResultError {
		t.Fatalf("expected trailing result attribute, got %v", attrs[3])
	}
}

func TestTickAttributesOmitEmptyKind(t *testing.T) {
	attrs := TickAttributes("dev", "EURUSD", "")
	if len(attrs) != 2 {
		t.Fatalf("expected kind attribute to be omitted, got %v", attrs)
	}
}
