package capability

import (
	"encoding/json"
	"testing"

	"github.com/mkessel/twinward/internal/aas"
)

func opRef(t *testing.T, submodelID, path, elementJSON string) aas.OperationRef {
	t.Helper()
	var el aas.Element
	if err := json.Unmarshal([]byte(elementJSON), &el); err != nil {
		t.Fatalf("fixture: %v", err)
	}
	return aas.OperationRef{SubmodelID: submodelID, Path: path, Element: &el}
}

const setSpeedJSON = `{
  "idShort": "SetSpeed",
  "modelType": "Operation",
  "description": [{"language": "en", "text": "Set the motor target speed."}],
  "qualifiers": [{"type": "RiskLevel", "value": "HIGH"}],
  "inputVariables": [
    {"value": {
      "idShort": "TargetRPM",
      "modelType": "Property",
      "valueType": "xs:int",
      "qualifiers": [
        {"type": "Min", "value": "0"},
        {"type": "Max", "value": "3000"},
        {"type": "unit", "value": "rpm"}
      ]
    }}
  ]
}`

func TestSpecFromOperation(t *testing.T) {
	spec := SpecFromOperation(opRef(t, "urn:sm:motor", "SetSpeed", setSpeedJSON))

	if spec.Name != "SetSpeed" {
		t.Errorf("name = %q", spec.Name)
	}
	if spec.Risk != aas.RiskHigh {
		t.Errorf("risk = %s", spec.Risk)
	}
	if spec.SubmodelID != "urn:sm:motor" || spec.Path != "SetSpeed" {
		t.Errorf("addressing = %s %s", spec.SubmodelID, spec.Path)
	}

	props, _ := spec.InputSchema["properties"].(map[string]any)
	rpm, _ := props["TargetRPM"].(map[string]any)
	if rpm["type"] != "integer" {
		t.Errorf("TargetRPM type = %v", rpm["type"])
	}
	if rpm["minimum"] != 0.0 || rpm["maximum"] != 3000.0 {
		t.Errorf("bounds = %v..%v", rpm["minimum"], rpm["maximum"])
	}
	if desc, _ := rpm["description"].(string); desc != "(Unit: rpm)" {
		t.Errorf("unit not appended: %q", desc)
	}

	// The two mandatory safety fields are always present and required.
	if _, ok := props["simulate"]; !ok {
		t.Error("simulate property missing")
	}
	sr, _ := props["safety_reasoning"].(map[string]any)
	if sr["minLength"] != 8 {
		t.Errorf("safety_reasoning minLength = %v", sr["minLength"])
	}
	required, _ := spec.InputSchema["required"].([]string)
	want := map[string]bool{"TargetRPM": true, "simulate": true, "safety_reasoning": true}
	if len(required) != len(want) {
		t.Fatalf("required = %v", required)
	}
	for _, r := range required {
		if !want[r] {
			t.Errorf("unexpected required field %q", r)
		}
	}
}

func TestSpecTypeMapping(t *testing.T) {
	tests := []struct {
		valueType string
		want      string
	}{
		{"xs:int", "integer"},
		{"xs:long", "integer"},
		{"xs:double", "number"},
		{"xs:float", "number"},
		{"xs:boolean", "boolean"},
		{"xs:string", "string"},
		{"xs:dateTime", "string"},
		{"xs:anyURI", "string"},
		{"xs:base64Binary", "string"},
		{"", "string"},
	}
	for _, tt := range tests {
		if got := jsonType(tt.valueType); got != tt.want {
			t.Errorf("jsonType(%q) = %q, want %q", tt.valueType, got, tt.want)
		}
	}
}

func TestSpecStringBoundsBecomeLengths(t *testing.T) {
	spec := SpecFromOperation(opRef(t, "urn:sm:x", "Annotate", `{
	  "idShort": "Annotate",
	  "modelType": "Operation",
	  "inputVariables": [
	    {"value": {
	      "idShort": "Note",
	      "modelType": "Property",
	      "valueType": "xs:string",
	      "qualifiers": [{"type": "Min", "value": "1"}, {"type": "Max", "value": "120"}]
	    }}
	  ]
	}`))

	props, _ := spec.InputSchema["properties"].(map[string]any)
	note, _ := props["Note"].(map[string]any)
	if note["minLength"] != 1 || note["maxLength"] != 120 {
		t.Errorf("lengths = %v..%v", note["minLength"], note["maxLength"])
	}
	if _, ok := note["minimum"]; ok {
		t.Error("numeric bound applied to string")
	}
}

func TestSpecNestedPathFlattensName(t *testing.T) {
	spec := SpecFromOperation(opRef(t, "urn:sm:x", "Actuators/Valve/Open", `{
	  "idShort": "Open", "modelType": "Operation"
	}`))
	if spec.Name != "Actuators_Valve_Open" {
		t.Errorf("name = %q", spec.Name)
	}
	if spec.Path != "Actuators/Valve/Open" {
		t.Errorf("path = %q", spec.Path)
	}
}

func TestValidateArgs(t *testing.T) {
	spec := SpecFromOperation(opRef(t, "urn:sm:motor", "SetSpeed", setSpeedJSON))
	v := NewValidator()

	good := map[string]any{
		"TargetRPM":        1500,
		"simulate":         true,
		"safety_reasoning": "routine speed adjustment during test run",
	}
	if err := v.ValidateArgs(spec, good); err != nil {
		t.Fatalf("valid args rejected: %v", err)
	}

	bad := []map[string]any{
		{"TargetRPM": 5000, "simulate": true, "safety_reasoning": "way over the maximum"},
		{"TargetRPM": 1500, "simulate": true, "safety_reasoning": "short"},
		{"TargetRPM": 1500, "safety_reasoning": "missing simulate field here"},
		{"TargetRPM": "fast", "simulate": true, "safety_reasoning": "wrong argument type"},
	}
	for i, args := range bad {
		if err := v.ValidateArgs(spec, args); err == nil {
			t.Errorf("case %d: invalid args accepted: %v", i, args)
		}
	}
}

func TestValidateArgsRecompilesChangedSchema(t *testing.T) {
	v := NewValidator()
	args := map[string]any{
		"TargetRPM":        1500,
		"simulate":         true,
		"safety_reasoning": "routine speed adjustment during test run",
	}

	spec := SpecFromOperation(opRef(t, "urn:sm:motor", "SetSpeed", setSpeedJSON))
	if err := v.ValidateArgs(spec, args); err != nil {
		t.Fatalf("valid args rejected: %v", err)
	}

	// The twin tightened the operation's bounds; the same tool name now
	// carries a different schema and the old compilation must not be used.
	tightened := SpecFromOperation(opRef(t, "urn:sm:motor", "SetSpeed", `{
	  "idShort": "SetSpeed",
	  "modelType": "Operation",
	  "inputVariables": [
	    {"value": {
	      "idShort": "TargetRPM",
	      "modelType": "Property",
	      "valueType": "xs:int",
	      "qualifiers": [{"type": "Min", "value": "0"}, {"type": "Max", "value": "1000"}]
	    }}
	  ]
	}`))
	if err := v.ValidateArgs(tightened, args); err == nil {
		t.Fatal("args over the tightened maximum accepted via stale schema")
	}

	args["TargetRPM"] = 800
	if err := v.ValidateArgs(tightened, args); err != nil {
		t.Errorf("args within the tightened bounds rejected: %v", err)
	}
}
