package aas

import (
	"encoding/json"
	"strings"
	"testing"
)

const motorSubmodelJSON = `{
	"id": "urn:example:submodel:motor",
	"idShort": "MotorControl",
	"semanticId": {"type": "ExternalReference", "keys": [{"type": "GlobalReference", "value": "urn:sem:motor"}]},
	"submodelElements": [
		{
			"idShort": "Telemetry",
			"modelType": "SubmodelElementCollection",
			"value": [
				{"idShort": "Temperature", "modelType": "Property", "valueType": "xs:double", "value": 42.5},
				{"idShort": "SpeedRPM", "modelType": "Property", "valueType": "xs:int", "value": 1200}
			]
		},
		{
			"idShort": "SetSpeed",
			"modelType": "Operation",
			"qualifiers": [
				{"type": "RiskLevel", "value": "HIGH"},
				{"type": "invocationDelegation", "value": "http://motor.local/invoke"}
			],
			"description": [{"language": "en", "text": "Set the motor speed"}],
			"inputVariables": [
				{"value": {"idShort": "TargetRPM", "modelType": "Property", "valueType": "xs:double",
					"qualifiers": [{"type": "Min", "value": "0"}, {"type": "Max", "value": "3000"}]}}
			]
		}
	]
}`

func mustSubmodel(t *testing.T, data string) *Submodel {
	t.Helper()
	var sm Submodel
	if err := json.Unmarshal([]byte(data), &sm); err != nil {
		t.Fatalf("unmarshal submodel: %v", err)
	}
	return &sm
}

func TestSubmodelRoundTripPreservesUnknownFields(t *testing.T) {
	sm := mustSubmodel(t, motorSubmodelJSON)

	out, err := json.Marshal(sm)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(out), "urn:sem:motor") {
		t.Errorf("semanticId dropped on round trip: %s", out)
	}

	var again Submodel
	if err := json.Unmarshal(out, &again); err != nil {
		t.Fatalf("re-unmarshal: %v", err)
	}
	if again.ID != "urn:example:submodel:motor" || again.IDShort != "MotorControl" {
		t.Errorf("identity lost: id=%q idShort=%q", again.ID, again.IDShort)
	}
}

func TestElementAtWalksNestedPath(t *testing.T) {
	sm := mustSubmodel(t, motorSubmodelJSON)

	tests := []struct {
		path   string
		found  bool
		scalar any
	}{
		{"Telemetry/Temperature", true, 42.5},
		{"Telemetry/SpeedRPM", true, float64(1200)},
		{"Telemetry", true, nil},
		{"Telemetry/Missing", false, nil},
		{"Missing/Temperature", false, nil},
		{"", false, nil},
	}
	for _, tt := range tests {
		el, ok := sm.ElementAt(tt.path)
		if ok != tt.found {
			t.Errorf("ElementAt(%q): found=%v, want %v", tt.path, ok, tt.found)
			continue
		}
		if !ok || tt.scalar == nil {
			continue
		}
		if got := el.ScalarValue(); got != tt.scalar {
			t.Errorf("ElementAt(%q).ScalarValue() = %v, want %v", tt.path, got, tt.scalar)
		}
	}
}

func TestPropertyValueMissingSegment(t *testing.T) {
	sm := mustSubmodel(t, motorSubmodelJSON)
	if v, ok := sm.PropertyValue("Telemetry/Nope"); ok {
		t.Errorf("expected miss, got %v", v)
	}
	v, ok := sm.PropertyValue("Telemetry/Temperature")
	if !ok || v != 42.5 {
		t.Errorf("PropertyValue = %v, %v; want 42.5, true", v, ok)
	}
}

func TestReplaceElementNested(t *testing.T) {
	sm := mustSubmodel(t, motorSubmodelJSON)

	repl := &Element{
		IDShort:   "Temperature",
		ModelType: ModelTypeProperty,
		ValueType: "xs:double",
		Value:     json.RawMessage(`97.1`),
	}
	if !sm.ReplaceElement("Telemetry/Temperature", repl) {
		t.Fatal("ReplaceElement returned false")
	}
	v, ok := sm.PropertyValue("Telemetry/Temperature")
	if !ok || v != 97.1 {
		t.Fatalf("after replace: %v, %v; want 97.1, true", v, ok)
	}
	// Sibling inside the same collection must survive the rebuild.
	if v, ok := sm.PropertyValue("Telemetry/SpeedRPM"); !ok || v != float64(1200) {
		t.Errorf("sibling lost after replace: %v, %v", v, ok)
	}

	if sm.ReplaceElement("Telemetry/Missing", repl) {
		t.Error("replace at missing path should fail")
	}
}

func TestOperationsWalk(t *testing.T) {
	sm := mustSubmodel(t, motorSubmodelJSON)
	ops := sm.Operations()
	if len(ops) != 1 {
		t.Fatalf("got %d operations, want 1", len(ops))
	}
	op := ops[0]
	if op.SubmodelID != sm.ID || op.Path != "SetSpeed" {
		t.Errorf("op ref = %+v", op)
	}
	if op.Element.Risk() != RiskHigh {
		t.Errorf("risk = %s, want HIGH", op.Element.Risk())
	}
	if op.Element.DelegationURL() != "http://motor.local/invoke" {
		t.Errorf("delegation = %q", op.Element.DelegationURL())
	}
	if op.Element.DescriptionText() != "Set the motor speed" {
		t.Errorf("description = %q", op.Element.DescriptionText())
	}
}

func TestRiskLevelOrdering(t *testing.T) {
	tests := []struct {
		in   string
		want RiskLevel
	}{
		{"HIGH", RiskHigh},
		{"high", RiskHigh},
		{" critical ", RiskCritical},
		{"MEDIUM", RiskMedium},
		{"", RiskLow},
		{"bogus", RiskLow},
	}
	for _, tt := range tests {
		if got := ParseRiskLevel(tt.in); got != tt.want {
			t.Errorf("ParseRiskLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}

	if !RiskCritical.AtLeast(RiskHigh) {
		t.Error("CRITICAL should be at least HIGH")
	}
	if RiskMedium.AtLeast(RiskHigh) {
		t.Error("MEDIUM should not be at least HIGH")
	}
	if !RiskHigh.AtLeast(RiskHigh) {
		t.Error("HIGH should be at least HIGH")
	}
}

func TestSubmodelCloneIsolation(t *testing.T) {
	sm := mustSubmodel(t, motorSubmodelJSON)
	cp := sm.Clone()
	if cp == nil {
		t.Fatal("clone failed")
	}
	repl := &Element{IDShort: "Temperature", ModelType: ModelTypeProperty, Value: json.RawMessage(`0`)}
	if !cp.ReplaceElement("Telemetry/Temperature", repl) {
		t.Fatal("replace on clone failed")
	}
	if v, _ := sm.PropertyValue("Telemetry/Temperature"); v != 42.5 {
		t.Errorf("mutating clone leaked into original: %v", v)
	}
}
