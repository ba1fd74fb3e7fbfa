// Package toolcatalog turns AAS Operation elements into orchestrator.Tool
// entries: an LLM-facing name/description/keyword spec, a JSON Schema for
// argument validation, and the OperationRef the Twin Client dispatches to.
// Grounded on the original Python prototype's agent/schema_gen.py
// (generate_all_tool_schemas/build_input_schema/build_description), reworked
// from dataclasses into Go structs and from a hand-built dict into a
// compiled github.com/santhosh-tekuri/jsonschema/v5 schema.
package toolcatalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/twinops/twinops/internal/contracts"
	"github.com/twinops/twinops/internal/llmselector"
	"github.com/twinops/twinops/internal/orchestrator"
	"github.com/twinops/twinops/internal/twinclient"
)

// RawSubmodelFetcher returns the raw JSON body of a submodel.
// internal/twinclient.Client satisfies this structurally.
type RawSubmodelFetcher interface {
	FetchSubmodelRaw(ctx context.Context, submodelID string) ([]byte, error)
}

// xsdToJSONType maps AAS valueType XSD names to JSON Schema primitive
// types, matching schema_gen.py's XSD_TO_JSON_TYPE table.
var xsdToJSONType = map[string]string{
	"xs:string":         "string",
	"xs:boolean":        "boolean",
	"xs:integer":        "integer",
	"xs:int":            "integer",
	"xs:long":           "integer",
	"xs:short":          "integer",
	"xs:byte":           "integer",
	"xs:unsignedInt":    "integer",
	"xs:unsignedLong":   "integer",
	"xs:unsignedShort":  "integer",
	"xs:unsignedByte":   "integer",
	"xs:decimal":        "number",
	"xs:float":          "number",
	"xs:double":         "number",
	"xs:date":           "string",
	"xs:dateTime":       "string",
	"xs:time":           "string",
	"xs:duration":       "string",
	"xs:anyURI":         "string",
	"xs:base64Binary":   "string",
	"xs:hexBinary":      "string",
}

func valueTypeToJSONType(vt string) string {
	if vt == "" {
		return "string"
	}
	if t, ok := xsdToJSONType[vt]; ok {
		return t
	}
	return "string"
}

// langString is an AAS multi-language text entry.
type langString struct {
	Language string `json:"language"`
	Text     string `json:"text"`
}

// qualifier is an AAS Qualifier: {type, value, ...}.
type qualifier struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

func (q qualifier) valueString() string {
	switch v := q.Value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// element is the wire shape of one AAS SubmodelElement, structural enough
// to cover Property, SubmodelElementCollection, SubmodelElementList and
// Operation (whose inputVariables wrap a nested element of this shape).
type element struct {
	IDShort              string       `json:"idShort"`
	ModelType            string       `json:"modelType"`
	ValueType            string       `json:"valueType"`
	Description          []langString `json:"description"`
	Qualifiers           []qualifier  `json:"qualifiers"`
	Value                json.RawMessage `json:"value"`
	TypeValueListElement string       `json:"typeValueListElement"`
	ValueTypeListElement string       `json:"valueTypeListElement"`
	SemanticID           any          `json:"semanticId"`
	InputVariables       []struct {
		Value element `json:"value"`
	} `json:"inputVariables"`
}

func (e element) englishDescription() string {
	var first string
	for _, d := range e.Description {
		if first == "" {
			first = d.Text
		}
		if d.Language == "en" {
			return d.Text
		}
	}
	return first
}

func (e element) qualifierValue(qtype, def string) string {
	for _, q := range e.Qualifiers {
		if q.Type == qtype {
			if v := q.valueString(); v != "" {
				return v
			}
			return def
		}
	}
	return def
}

func (e element) constraintValue(name string) (string, bool) {
	lname := strings.ToLower(name)
	for _, q := range e.Qualifiers {
		if strings.ToLower(q.Type) == lname {
			return q.valueString(), true
		}
	}
	return "", false
}

func (e element) collectionChildren() []element {
	if len(e.Value) == 0 {
		return nil
	}
	var children []element
	_ = json.Unmarshal(e.Value, &children)
	return children
}

// buildPropertySchema builds the JSON Schema fragment for a Property,
// mirroring build_property_schema: primitive type, min/max or
// minLength/maxLength from qualifiers, unit appended to the description.
func buildPropertySchema(prop element) map[string]any {
	jsonType := valueTypeToJSONType(prop.ValueType)
	schema := map[string]any{"type": jsonType}

	if desc := prop.englishDescription(); desc != "" {
		schema["description"] = desc
	}

	minVal, hasMin := prop.constraintValue("Min")
	maxVal, hasMax := prop.constraintValue("Max")
	switch jsonType {
	case "integer", "number":
		if hasMin {
			if f, err := strconv.ParseFloat(minVal, 64); err == nil {
				schema["minimum"] = f
			}
		}
		if hasMax {
			if f, err := strconv.ParseFloat(maxVal, 64); err == nil {
				schema["maximum"] = f
			}
		}
	case "string":
		if hasMin {
			if n, err := strconv.Atoi(minVal); err == nil {
				schema["minLength"] = n
			}
		}
		if hasMax {
			if n, err := strconv.Atoi(maxVal); err == nil {
				schema["maxLength"] = n
			}
		}
	}

	if unit := prop.qualifierValue("unit", ""); unit != "" {
		cur, _ := schema["description"].(string)
		schema["description"] = strings.TrimSpace(fmt.Sprintf("%s (Unit: %s)", cur, unit))
	}

	return schema
}

func buildElementSchema(e element) map[string]any {
	switch e.ModelType {
	case "Property":
		return buildPropertySchema(e)
	case "SubmodelElementCollection":
		return buildCollectionSchema(e)
	case "SubmodelElementList":
		return buildListSchema(e)
	default:
		return map[string]any{"type": "string"}
	}
}

// buildCollectionSchema recurses over a collection's children, mirroring
// build_collection_schema.
func buildCollectionSchema(coll element) map[string]any {
	properties := map[string]any{}
	var required []string

	for _, child := range coll.collectionChildren() {
		if child.IDShort == "" {
			continue
		}
		properties[child.IDShort] = buildElementSchema(child)
		if strings.EqualFold(child.qualifierValue("required", "false"), "true") {
			required = append(required, child.IDShort)
		}
	}

	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// buildListSchema mirrors build_list_schema: a homogeneous array, inferring
// the item schema from the list's declared element type (or its first
// value, for nested collections).
func buildListSchema(list element) map[string]any {
	var items map[string]any
	switch list.TypeValueListElement {
	case "Property":
		items = map[string]any{"type": valueTypeToJSONType(list.ValueTypeListElement)}
	case "SubmodelElementCollection":
		children := list.collectionChildren()
		if len(children) > 0 {
			items = buildCollectionSchema(children[0])
		} else {
			items = map[string]any{"type": "object"}
		}
	default:
		items = map[string]any{}
	}
	return map[string]any{"type": "array", "items": items}
}

// buildInputSchema builds the complete argument schema for an Operation,
// mirroring build_input_schema, including the two mandatory safety fields
// every tool call must supply.
func buildInputSchema(op element) map[string]any {
	properties := map[string]any{}
	required := []string{}

	for _, iv := range op.InputVariables {
		elem := iv.Value
		if elem.IDShort == "" {
			continue
		}
		properties[elem.IDShort] = buildElementSchema(elem)
		required = append(required, elem.IDShort)
	}

	properties["simulate"] = map[string]any{
		"type":        "boolean",
		"description": "If true, run in simulation mode without affecting real equipment",
	}
	properties["safety_reasoning"] = map[string]any{
		"type":        "string",
		"minLength":   8,
		"description": "Brief justification for why this action is safe and appropriate",
	}
	required = append(required, "simulate", "safety_reasoning")

	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

var riskNotes = map[string]string{
	"LOW":      "This operation is safe for routine use.",
	"MEDIUM":   "This operation may affect process state.",
	"HIGH":     "This operation actuates equipment. Simulation recommended.",
	"CRITICAL": "This operation is safety-critical. Requires approval.",
}

// buildDescription mirrors build_description: base text plus a fixed
// risk-level note, so the selector sees safety framing even when the
// underlying AAS description is terse.
func buildDescription(op element, risk string) string {
	base := op.englishDescription()
	if base == "" {
		base = fmt.Sprintf("Execute %s", op.IDShort)
	}
	note := riskNotes[risk]
	return strings.TrimSpace(fmt.Sprintf("%s (Risk: %s). %s", base, risk, note))
}

func keywordsFor(op element) []string {
	words := strings.FieldsFunc(op.IDShort, func(r rune) bool {
		return r == '_' || r == '-' || r == '.'
	})
	out := make([]string, 0, len(words)+1)
	out = append(out, strings.ToLower(op.IDShort))
	for _, w := range words {
		out = append(out, strings.ToLower(w))
	}
	return out
}

// walk collects every Operation element in the tree, recording the
// idShort path used to address it (spec.md's submodel-elements path
// segments, dot-joined for nested collections).
func walk(elems []element, prefix string, out *[]struct {
	op   element
	path string
}) {
	for _, e := range elems {
		path := e.IDShort
		if prefix != "" {
			path = prefix + "." + e.IDShort
		}
		if e.ModelType == "Operation" {
			*out = append(*out, struct {
				op   element
				path string
			}{op: e, path: path})
			continue
		}
		if e.ModelType == "SubmodelElementCollection" {
			walk(e.collectionChildren(), path, out)
		}
	}
}

// Discover fetches a submodel's raw element tree and builds one
// orchestrator.Tool per Operation element found, recursing into nested
// collections. Operations whose schema cannot be compiled are skipped and
// reported via the returned skipped slice rather than failing the whole
// discovery, matching generate_all_tool_schemas's per-operation try/except.
func Discover(ctx context.Context, fetcher RawSubmodelFetcher, submodelID string) (tools []orchestrator.Tool, skipped []string, err error) {
	raw, err := fetcher.FetchSubmodelRaw(ctx, submodelID)
	if err != nil {
		return nil, nil, fmt.Errorf("toolcatalog: fetch submodel %s: %w", submodelID, err)
	}

	var submodel struct {
		SubmodelElements []element `json:"submodelElements"`
	}
	if err := json.Unmarshal(raw, &submodel); err != nil {
		return nil, nil, fmt.Errorf("toolcatalog: decode submodel %s: %w", submodelID, err)
	}

	var found []struct {
		op   element
		path string
	}
	walk(submodel.SubmodelElements, "", &found)

	for _, f := range found {
		risk := strings.ToUpper(f.op.qualifierValue("RiskLevel", "LOW"))
		if _, ok := riskNotes[risk]; !ok {
			risk = "LOW"
		}

		schemaDoc := buildInputSchema(f.op)
		schemaBytes, err := json.Marshal(schemaDoc)
		if err != nil {
			skipped = append(skipped, f.op.IDShort)
			continue
		}
		compiled, err := jsonschema.CompileString(f.op.IDShort+".json", string(schemaBytes))
		if err != nil {
			skipped = append(skipped, f.op.IDShort)
			continue
		}

		delegationURL := f.op.qualifierValue("invocationDelegation", "")

		tools = append(tools, orchestrator.Tool{
			Spec: llmselector.ToolSpec{
				Name:        f.op.IDShort,
				Description: buildDescription(f.op, risk),
				Keywords:    keywordsFor(f.op),
				DefaultRisk: riskStringToLevel(risk),
			},
			ParamsSchema: compiled,
			Ref: twinclient.OperationRef{
				SubmodelID:    submodelID,
				IdShort:       f.path,
				Delegated:     delegationURL != "",
				DelegationURL: delegationURL,
			},
		})
	}

	return tools, skipped, nil
}

func riskStringToLevel(s string) contracts.RiskLevel {
	switch s {
	case "MEDIUM":
		return contracts.RiskMedium
	case "HIGH":
		return contracts.RiskHigh
	case "CRITICAL":
		return contracts.RiskCritical
	default:
		return contracts.RiskLow
	}
}
