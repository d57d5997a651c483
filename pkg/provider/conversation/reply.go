package conversation

import (
	"bytes"
	"encoding/json"
	"strings"
)

// StructuredReply is the normalised reply shape. Response is shown to the
// user; Values are the machine-actionable parameters forwarded to the bus.
// Both keys are always present when encoded.
//
// Values keep the number literals as received, so large integers reach the
// bus without float rounding.
type StructuredReply struct {
	Response string                 `json:"response"`
	Values   map[string]json.Number `json:"values"`
}

// MarshalJSON encodes a nil Values map as an empty object.
func (r StructuredReply) MarshalJSON() ([]byte, error) {
	type plain StructuredReply
	p := plain(r)
	if p.Values == nil {
		p.Values = map[string]json.Number{}
	}
	return json.Marshal(p)
}

// HasValues reports whether the reply carries anything to publish.
func (r StructuredReply) HasValues() bool { return len(r.Values) > 0 }

// Payload returns the UTF-8 JSON encoding of Values as published on the bus.
// Keys are sorted, so equal maps encode identically.
func (r StructuredReply) Payload() ([]byte, error) {
	if r.Values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Values)
}

// DecodeReply decodes raw as a StructuredReply. It reports false unless raw is
// a single JSON object whose "response" is a string and whose "values", when
// present and not null, is an object of numbers.
func DecodeReply(raw string) (StructuredReply, bool) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return StructuredReply{}, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return StructuredReply{}, false
	}

	var out StructuredReply
	resp, ok := fields["response"]
	if !ok {
		return StructuredReply{}, false
	}
	if err := json.Unmarshal(resp, &out.Response); err != nil || isNull(resp) {
		return StructuredReply{}, false
	}

	out.Values = map[string]json.Number{}
	if vals, ok := fields["values"]; ok && !isNull(vals) {
		values, ok := decodeValues(vals)
		if !ok {
			return StructuredReply{}, false
		}
		out.Values = values
	}
	return out, true
}

// ParseReply normalises raw assistant text. Anything that is not a valid
// StructuredReply becomes {Response: raw, Values: {}}.
func ParseReply(raw string) StructuredReply {
	if r, ok := DecodeReply(raw); ok {
		return r
	}
	return StructuredReply{Response: raw, Values: map[string]json.Number{}}
}

// decodeValues accepts an object whose members are all JSON numbers. Quoted
// numbers are rejected.
func decodeValues(raw json.RawMessage) (map[string]json.Number, bool) {
	if !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")) {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var members map[string]any
	if err := dec.Decode(&members); err != nil {
		return nil, false
	}
	out := make(map[string]json.Number, len(members))
	for k, v := range members {
		n, ok := v.(json.Number)
		if !ok {
			return nil, false
		}
		out[k] = n
	}
	return out, true
}

// SelectReply picks the reply text from a backend's assistant messages. The
// newest message with any content wins. Within it, the first part that is
// structured output or decodes as a StructuredReply is returned; otherwise the
// text parts are concatenated. The result is trimmed. Empty input yields "".
func SelectReply(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		text := strings.TrimSpace(m.Text())
		if text == "" {
			continue
		}
		for _, p := range m.Parts {
			if strings.TrimSpace(p.Text) == "" {
				continue
			}
			if p.Kind == PartStructured {
				return strings.TrimSpace(p.Text)
			}
			if _, ok := DecodeReply(p.Text); ok {
				return strings.TrimSpace(p.Text)
			}
		}
		return text
	}
	return ""
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
