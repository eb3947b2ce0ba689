package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParamType is the semantic type tag of a tool parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamBoolean ParamType = "boolean"
	ParamObject  ParamType = "object"
)

// Param describes one parameter of a tool.
type Param struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description"`
}

// ToolSpec is the static description of a tool, as carried to the model.
// It is immutable once registered with a coordinator.
type ToolSpec struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Params      []Param `json:"parameters"`
}

// JSONSchema renders the spec's parameter list as a JSON schema object.
func (s ToolSpec) JSONSchema() json.RawMessage {
	var b strings.Builder
	b.WriteString(`{"type":"object","properties":{`)
	var required []string
	for i, p := range s.Params {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `%s:{"type":%s,"description":%s}`,
			jsonString(p.Name), jsonString(string(p.Type)), jsonString(p.Description))
		if p.Required {
			required = append(required, p.Name)
		}
	}
	b.WriteString(`},"required":[`)
	for i, name := range required {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(jsonString(name))
	}
	b.WriteString(`],"additionalProperties":false}`)
	return json.RawMessage(b.String())
}

func jsonString(s string) string {
	buf, err := json.Marshal(s)
	if err != nil {
		// strings always marshal
		panic(err)
	}
	return string(buf)
}
