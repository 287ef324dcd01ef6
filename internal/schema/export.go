package schema

import (
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/clawdis/gateway/internal/protocol"
)

// Export renders the frame protocol as a Draft-07 JSON Schema document.
// This is a build-time artifact for generating clients in other languages;
// nothing on the runtime request path depends on it.
func Export() ([]byte, error) {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
	}

	definitions := map[string]*jsonschema.Schema{
		"HelloFrame":       r.Reflect(&protocol.HelloFrame{}),
		"HelloOkFrame":     r.Reflect(&protocol.HelloOkFrame{}),
		"HelloErrorFrame":  r.Reflect(&protocol.HelloErrorFrame{}),
		"RequestFrame":     r.Reflect(&protocol.RequestFrame{}),
		"ResponseFrame":    r.Reflect(&protocol.ResponseFrame{}),
		"EventFrame":       r.Reflect(&protocol.EventFrame{}),
		"ErrorShape":       r.Reflect(&protocol.ErrorShape{}),
		"PresenceEntry":    r.Reflect(&protocol.PresenceEntry{}),
		"SystemEventParams":    r.Reflect(&protocol.SystemEventParams{}),
		"SetHeartbeatsParams":  r.Reflect(&protocol.SetHeartbeatsParams{}),
		"SendParams":           r.Reflect(&protocol.SendParams{}),
		"AgentParams":          r.Reflect(&protocol.AgentParams{}),
	}

	doc := map[string]any{
		"$schema":       "http://json-schema.org/draft-07/schema#",
		"title":         "Clawdis Gateway Frame Protocol",
		"discriminator": map[string]string{"propertyName": "type"},
		"definitions":   definitions,
	}
	return json.MarshalIndent(doc, "", "  ")
}
