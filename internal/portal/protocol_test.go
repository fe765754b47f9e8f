package portal

import (
	"strings"
	"testing"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	t.Parallel()

	msg := &FlowCreatedMessage{
		ResourceID:       "30000000-0000-0000-0000-000000000001",
		GatewayID:        "50000000-0000-0000-0000-000000000001",
		SiteID:           "40000000-0000-0000-0000-000000000001",
		GatewayPublicKey: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=",
		GatewayIPv4:      "100.64.0.1",
		PresharedKey:     "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB=",
	}

	data, err := Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"type":"flow-created"`) {
		t.Fatalf("missing discriminator: %s", data)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	flow, ok := decoded.(*FlowCreatedMessage)
	if !ok {
		t.Fatalf("decoded type: %T", decoded)
	}
	if flow.GatewayID != msg.GatewayID || flow.GatewayIPv4 != msg.GatewayIPv4 {
		t.Errorf("round trip mismatch: %+v", flow)
	}
}

func TestUnmarshalRejectsUnknownType(t *testing.T) {
	t.Parallel()

	if _, err := Unmarshal([]byte(`{"type":"launch-missiles"}`)); err == nil {
		t.Error("unknown type accepted")
	}
	if _, err := Unmarshal([]byte(`not json`)); err == nil {
		t.Error("garbage accepted")
	}
}

func TestEveryRegisteredTypeRoundTrips(t *testing.T) {
	t.Parallel()

	for name, factory := range messageTypes {
		msg := factory()
		data, err := Marshal(msg)
		if err != nil {
			t.Errorf("%s: marshal: %v", name, err)
			continue
		}
		decoded, err := Unmarshal(data)
		if err != nil {
			t.Errorf("%s: unmarshal: %v", name, err)
			continue
		}
		if decoded.MessageType() != name {
			t.Errorf("%s: round-tripped as %s", name, decoded.MessageType())
		}
	}
}
