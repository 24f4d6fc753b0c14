/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package capability derives callable tool descriptors from twin
// operations and retrieves the ones relevant to a free-form request.
package capability

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mkessel/twinward/internal/aas"
)

// ToolSpec is the derived descriptor of one invocable twin operation.
type ToolSpec struct {
	Name          string
	Description   string
	InputSchema   map[string]any
	SubmodelID    string
	Path          string
	Risk          aas.RiskLevel
	DelegationURL string
	InputNames    []string
}

// XSD value types that map to JSON "integer".
var xsdInteger = map[string]bool{
	"xs:int": true, "xs:integer": true, "xs:long": true, "xs:short": true,
	"xs:byte": true, "xs:unsignedInt": true, "xs:unsignedLong": true,
	"xs:unsignedShort": true, "xs:unsignedByte": true,
	"xs:nonNegativeInteger": true, "xs:positiveInteger": true,
	"xs:nonPositiveInteger": true, "xs:negativeInteger": true,
}

// XSD value types that map to JSON "number".
var xsdNumber = map[string]bool{
	"xs:double": true, "xs:float": true, "xs:decimal": true,
}

func jsonType(valueType string) string {
	switch {
	case xsdInteger[valueType]:
		return "integer"
	case xsdNumber[valueType]:
		return "number"
	case valueType == "xs:boolean":
		return "boolean"
	default:
		// strings, and also xs:dateTime, xs:anyURI, xs:base64Binary, ...
		return "string"
	}
}

// SpecFromOperation builds a ToolSpec from an operation element. The tool
// name is the operation's idShort path with / replaced by _, so nested
// operations stay addressable by a flat name.
func SpecFromOperation(ref aas.OperationRef) *ToolSpec {
	op := ref.Element
	name := strings.ReplaceAll(ref.Path, "/", "_")

	desc := op.DescriptionText()
	if desc == "" {
		desc = fmt.Sprintf("Operation %s on submodel %s", op.IDShort, ref.SubmodelID)
	}
	risk := op.Risk()
	if risk != aas.RiskLow {
		desc += fmt.Sprintf(" Risk level: %s.", risk)
	}

	properties := map[string]any{}
	var required []string
	var inputNames []string
	for _, iv := range op.InputVariables {
		if iv.Value == nil || iv.Value.IDShort == "" {
			continue
		}
		pname := iv.Value.IDShort
		properties[pname] = propertySchema(iv.Value)
		required = append(required, pname)
		inputNames = append(inputNames, pname)
	}

	properties["simulate"] = map[string]any{
		"type":        "boolean",
		"description": "When true, the operation is simulated instead of executed.",
	}
	properties["safety_reasoning"] = map[string]any{
		"type":        "string",
		"minLength":   8,
		"description": "Why this operation is safe to perform right now.",
	}
	required = append(required, "simulate", "safety_reasoning")

	return &ToolSpec{
		Name:        name,
		Description: desc,
		InputSchema: map[string]any{
			"type":       "object",
			"properties": properties,
			"required":   required,
		},
		SubmodelID:    ref.SubmodelID,
		Path:          ref.Path,
		Risk:          risk,
		DelegationURL: op.DelegationURL(),
		InputNames:    inputNames,
	}
}

func propertySchema(el *aas.Element) map[string]any {
	typ := jsonType(el.ValueType)
	schema := map[string]any{"type": typ}

	desc := el.DescriptionText()
	if unit, ok := el.Qualifier(aas.QualifierUnit); ok && unit != "" {
		desc = strings.TrimSpace(desc + " (Unit: " + unit + ")")
	}
	if desc != "" {
		schema["description"] = desc
	}

	min, hasMin := el.Qualifier(aas.QualifierMin)
	max, hasMax := el.Qualifier(aas.QualifierMax)
	switch typ {
	case "integer", "number":
		if hasMin {
			if v, err := strconv.ParseFloat(min, 64); err == nil {
				schema["minimum"] = v
			}
		}
		if hasMax {
			if v, err := strconv.ParseFloat(max, 64); err == nil {
				schema["maximum"] = v
			}
		}
	case "string":
		if hasMin {
			if v, err := strconv.Atoi(min); err == nil {
				schema["minLength"] = v
			}
		}
		if hasMax {
			if v, err := strconv.Atoi(max); err == nil {
				schema["maxLength"] = v
			}
		}
	}
	return schema
}

// SpecsFromSubmodels derives tool specs for every operation found in the
// given submodels, in deterministic submodel-id order.
func SpecsFromSubmodels(submodels map[string]*aas.Submodel) []*ToolSpec {
	ids := make([]string, 0, len(submodels))
	for id := range submodels {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var specs []*ToolSpec
	for _, id := range ids {
		for _, ref := range submodels[id].Operations() {
			specs = append(specs, SpecFromOperation(ref))
		}
	}
	return specs
}
