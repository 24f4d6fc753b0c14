/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package aas models the slice of the Asset Administration Shell metamodel
// the agent consumes: shells, submodels, and submodel elements with their
// qualifiers. Elements are a tagged variant discriminated by modelType;
// unknown fields are preserved verbatim so documents survive a
// decode/encode round trip.
package aas

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RiskLevel classifies how dangerous an operation is. The ordering
// LOW < MEDIUM < HIGH < CRITICAL drives simulation forcing and approval
// gating.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// ParseRiskLevel normalizes a qualifier value to a RiskLevel.
// Unrecognized values default to LOW.
func ParseRiskLevel(s string) RiskLevel {
	r := RiskLevel(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := riskRank[r]; ok {
		return r
	}
	return RiskLow
}

// Rank returns the ordinal position of the risk level.
func (r RiskLevel) Rank() int { return riskRank[r] }

// AtLeast reports whether r is at or above min in the risk ordering.
func (r RiskLevel) AtLeast(min RiskLevel) bool { return riskRank[r] >= riskRank[min] }

// Model type discriminators.
const (
	ModelTypeProperty   = "Property"
	ModelTypeCollection = "SubmodelElementCollection"
	ModelTypeList       = "SubmodelElementList"
	ModelTypeOperation  = "Operation"
)

// Qualifier types the agent interprets.
const (
	QualifierRiskLevel  = "RiskLevel"
	QualifierMin        = "Min"
	QualifierMax        = "Max"
	QualifierUnit       = "unit"
	QualifierDelegation = "invocationDelegation"
)

// LangString is a language-tagged text entry.
type LangString struct {
	Language string `json:"language"`
	Text     string `json:"text"`
}

// Qualifier is a typed name/value annotation on an element.
type Qualifier struct {
	Type      string `json:"type"`
	ValueType string `json:"valueType,omitempty"`
	Value     string `json:"value"`
}

// Key is one segment of a model reference.
type Key struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Reference points at another identifiable, e.g. a submodel.
type Reference struct {
	Type string `json:"type,omitempty"`
	Keys []Key  `json:"keys"`
}

// OperationVariable wraps an element used as an operation input or output.
type OperationVariable struct {
	Value *Element `json:"value"`
}

// Element is a submodel element. The Value field stays raw because its
// shape depends on the modelType: a scalar for Property, a list of nested
// elements for Collection/List.
type Element struct {
	IDShort         string
	ModelType       string
	ValueType       string
	Value           json.RawMessage
	Description     []LangString
	Qualifiers      []Qualifier
	InputVariables  []OperationVariable
	OutputVariables []OperationVariable

	raw map[string]json.RawMessage
}

// UnmarshalJSON decodes the known fields and retains everything else.
func (e *Element) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.raw = raw
	decode := func(key string, dst any) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		return json.Unmarshal(v, dst)
	}
	if err := decode("idShort", &e.IDShort); err != nil {
		return fmt.Errorf("idShort: %w", err)
	}
	if err := decode("modelType", &e.ModelType); err != nil {
		return fmt.Errorf("modelType: %w", err)
	}
	if err := decode("valueType", &e.ValueType); err != nil {
		return fmt.Errorf("valueType: %w", err)
	}
	if v, ok := raw["value"]; ok {
		e.Value = v
	}
	if err := decode("description", &e.Description); err != nil {
		return fmt.Errorf("description: %w", err)
	}
	if err := decode("qualifiers", &e.Qualifiers); err != nil {
		return fmt.Errorf("qualifiers: %w", err)
	}
	if err := decode("inputVariables", &e.InputVariables); err != nil {
		return fmt.Errorf("inputVariables: %w", err)
	}
	if err := decode("outputVariables", &e.OutputVariables); err != nil {
		return fmt.Errorf("outputVariables: %w", err)
	}
	return nil
}

// MarshalJSON re-emits the element, merging current field values over any
// preserved unknown fields.
func (e *Element) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.raw)+8)
	for k, v := range e.raw {
		out[k] = v
	}
	set := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[key] = b
		return nil
	}
	if e.IDShort != "" {
		if err := set("idShort", e.IDShort); err != nil {
			return nil, err
		}
	}
	if e.ModelType != "" {
		if err := set("modelType", e.ModelType); err != nil {
			return nil, err
		}
	}
	if e.ValueType != "" {
		if err := set("valueType", e.ValueType); err != nil {
			return nil, err
		}
	}
	if e.Value != nil {
		out["value"] = e.Value
	}
	if e.Description != nil {
		if err := set("description", e.Description); err != nil {
			return nil, err
		}
	}
	if e.Qualifiers != nil {
		if err := set("qualifiers", e.Qualifiers); err != nil {
			return nil, err
		}
	}
	if e.InputVariables != nil {
		if err := set("inputVariables", e.InputVariables); err != nil {
			return nil, err
		}
	}
	if e.OutputVariables != nil {
		if err := set("outputVariables", e.OutputVariables); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

// Children parses the element's value as a list of nested elements.
// Returns nil for scalar elements.
func (e *Element) Children() []*Element {
	if e.ModelType != ModelTypeCollection && e.ModelType != ModelTypeList {
		return nil
	}
	if len(e.Value) == 0 {
		return nil
	}
	var kids []*Element
	if err := json.Unmarshal(e.Value, &kids); err != nil {
		return nil
	}
	return kids
}

// SetChildren replaces the nested element list of a collection or list.
func (e *Element) SetChildren(kids []*Element) error {
	b, err := json.Marshal(kids)
	if err != nil {
		return err
	}
	e.Value = b
	return nil
}

// ScalarValue decodes a Property value into its JSON-native form.
// Missing or unparseable values come back as nil.
func (e *Element) ScalarValue() any {
	if len(e.Value) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(e.Value, &v); err != nil {
		// AAS value-only serialization sometimes carries bare strings.
		return string(e.Value)
	}
	return v
}

// Qualifier returns the value of the first qualifier with the given type.
func (e *Element) Qualifier(typ string) (string, bool) {
	for _, q := range e.Qualifiers {
		if q.Type == typ {
			return q.Value, true
		}
	}
	return "", false
}

// Risk reads the RiskLevel qualifier, defaulting to LOW.
func (e *Element) Risk() RiskLevel {
	v, ok := e.Qualifier(QualifierRiskLevel)
	if !ok {
		return RiskLow
	}
	return ParseRiskLevel(v)
}

// DelegationURL reads the invocationDelegation qualifier, if present.
func (e *Element) DelegationURL() string {
	v, _ := e.Qualifier(QualifierDelegation)
	return v
}

// DescriptionText prefers the English description, falling back to the
// first entry.
func (e *Element) DescriptionText() string {
	for _, d := range e.Description {
		if d.Language == "en" {
			return d.Text
		}
	}
	if len(e.Description) > 0 {
		return e.Description[0].Text
	}
	return ""
}

// Clone deep-copies the element via a JSON round trip.
func (e *Element) Clone() *Element {
	b, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	var out Element
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return &out
}

// Submodel is a named group of elements belonging to a shell.
type Submodel struct {
	ID               string
	IDShort          string
	SubmodelElements []*Element

	raw map[string]json.RawMessage
}

func (s *Submodel) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.raw = raw
	if v, ok := raw["id"]; ok {
		if err := json.Unmarshal(v, &s.ID); err != nil {
			return fmt.Errorf("id: %w", err)
		}
	}
	if v, ok := raw["idShort"]; ok {
		if err := json.Unmarshal(v, &s.IDShort); err != nil {
			return fmt.Errorf("idShort: %w", err)
		}
	}
	if v, ok := raw["submodelElements"]; ok {
		if err := json.Unmarshal(v, &s.SubmodelElements); err != nil {
			return fmt.Errorf("submodelElements: %w", err)
		}
	}
	return nil
}

func (s *Submodel) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(s.raw)+3)
	for k, v := range s.raw {
		out[k] = v
	}
	idb, err := json.Marshal(s.ID)
	if err != nil {
		return nil, err
	}
	out["id"] = idb
	if s.IDShort != "" {
		b, err := json.Marshal(s.IDShort)
		if err != nil {
			return nil, err
		}
		out["idShort"] = b
	}
	if s.SubmodelElements != nil {
		b, err := json.Marshal(s.SubmodelElements)
		if err != nil {
			return nil, err
		}
		out["submodelElements"] = b
	}
	return json.Marshal(out)
}

// ElementAt walks a /-joined idShort path and returns the matched element.
func (s *Submodel) ElementAt(path string) (*Element, bool) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, false
	}
	elems := s.SubmodelElements
	for i, seg := range segs {
		var match *Element
		for _, el := range elems {
			if el.IDShort == seg {
				match = el
				break
			}
		}
		if match == nil {
			return nil, false
		}
		if i == len(segs)-1 {
			return match, true
		}
		elems = match.Children()
		if elems == nil {
			return nil, false
		}
	}
	return nil, false
}

// PropertyValue walks a path and returns the scalar value of the matched
// property. The second return is false if any segment is missing.
func (s *Submodel) PropertyValue(path string) (any, bool) {
	el, ok := s.ElementAt(path)
	if !ok {
		return nil, false
	}
	return el.ScalarValue(), true
}

// ReplaceElement swaps the element at the given path for repl, rebuilding
// the enclosing collections so nested raw values stay coherent. Returns
// false when the path does not resolve.
func (s *Submodel) ReplaceElement(path string, repl *Element) bool {
	segs := splitPath(path)
	if len(segs) == 0 {
		return false
	}
	elems, ok := replaceInList(s.SubmodelElements, segs, repl)
	if !ok {
		return false
	}
	s.SubmodelElements = elems
	return true
}

func replaceInList(list []*Element, segs []string, repl *Element) ([]*Element, bool) {
	for i, el := range list {
		if el.IDShort != segs[0] {
			continue
		}
		out := make([]*Element, len(list))
		copy(out, list)
		if len(segs) == 1 {
			out[i] = repl
			return out, true
		}
		kids := el.Children()
		if kids == nil {
			return nil, false
		}
		newKids, ok := replaceInList(kids, segs[1:], repl)
		if !ok {
			return nil, false
		}
		clone := el.Clone()
		if clone == nil {
			return nil, false
		}
		if err := clone.SetChildren(newKids); err != nil {
			return nil, false
		}
		out[i] = clone
		return out, true
	}
	return nil, false
}

// OperationRef locates an Operation element within a submodel.
type OperationRef struct {
	SubmodelID string
	Path       string
	Element    *Element
}

// Operations recursively collects every Operation element in the submodel,
// annotated with its full idShort path.
func (s *Submodel) Operations() []OperationRef {
	var out []OperationRef
	var walk func(elems []*Element, prefix string)
	walk = func(elems []*Element, prefix string) {
		for _, el := range elems {
			p := el.IDShort
			if prefix != "" {
				p = prefix + "/" + el.IDShort
			}
			switch el.ModelType {
			case ModelTypeOperation:
				out = append(out, OperationRef{SubmodelID: s.ID, Path: p, Element: el})
			case ModelTypeCollection, ModelTypeList:
				walk(el.Children(), p)
			}
		}
	}
	walk(s.SubmodelElements, "")
	return out
}

// Clone deep-copies the submodel via a JSON round trip.
func (s *Submodel) Clone() *Submodel {
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var out Submodel
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return &out
}

// Shell is the Asset Administration Shell root entity. The agent only
// needs its identifier; the rest of the document is carried opaquely.
type Shell struct {
	ID      string
	IDShort string

	raw map[string]json.RawMessage
}

func (s *Shell) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.raw = raw
	if v, ok := raw["id"]; ok {
		if err := json.Unmarshal(v, &s.ID); err != nil {
			return fmt.Errorf("id: %w", err)
		}
	}
	if v, ok := raw["idShort"]; ok {
		if err := json.Unmarshal(v, &s.IDShort); err != nil {
			return fmt.Errorf("idShort: %w", err)
		}
	}
	return nil
}

func (s *Shell) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(s.raw)+2)
	for k, v := range s.raw {
		out[k] = v
	}
	idb, err := json.Marshal(s.ID)
	if err != nil {
		return nil, err
	}
	out["id"] = idb
	if s.IDShort != "" {
		b, err := json.Marshal(s.IDShort)
		if err != nil {
			return nil, err
		}
		out["idShort"] = b
	}
	return json.Marshal(out)
}

// Clone deep-copies the shell via a JSON round trip.
func (s *Shell) Clone() *Shell {
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var out Shell
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return &out
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
