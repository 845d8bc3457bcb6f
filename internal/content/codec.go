// Package content converts genai conversation content to and from the flat
// record stored by the session and memory backends.
//
// The round trip is intentionally lossy: function call and function response
// parts are kept in storage as opaque strings, but only text parts are
// rebuilt on read-back.
package content

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// ErrDecode is returned when a stored record cannot be decoded.
var ErrDecode = errors.New("malformed content record")

// Part is the stored form of one genai.Part.
type Part struct {
	Text             string `json:"text,omitempty"`
	FunctionCall     string `json:"function_call,omitempty"`
	FunctionResponse string `json:"function_response,omitempty"`
}

// Record is the stored form of a genai.Content.
type Record struct {
	Parts []Part `json:"parts,omitempty"`
}

// Serialize flattens content into a Record. Parts that carry no text,
// function call or function response are omitted.
func Serialize(c *genai.Content) Record {
	var rec Record
	if c == nil {
		return rec
	}
	for _, p := range c.Parts {
		if p == nil {
			continue
		}
		var part Part
		if p.Text != "" {
			part.Text = p.Text
		}
		if p.FunctionCall != nil {
			part.FunctionCall = stringForm(p.FunctionCall)
		}
		if p.FunctionResponse != nil {
			part.FunctionResponse = stringForm(p.FunctionResponse)
		}
		if part == (Part{}) {
			continue
		}
		rec.Parts = append(rec.Parts, part)
	}
	return rec
}

// Deserialize rebuilds the text parts of a Record. It returns nil when the
// record has no text to restore.
func Deserialize(rec Record) *genai.Content {
	if len(rec.Parts) == 0 {
		return nil
	}
	var parts []*genai.Part
	for _, p := range rec.Parts {
		if p.Text != "" {
			parts = append(parts, genai.NewPartFromText(p.Text))
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return &genai.Content{Parts: parts}
}

// Marshal encodes content to the JSON bytes kept in storage.
func Marshal(c *genai.Content) ([]byte, error) {
	b, err := json.Marshal(Serialize(c))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal content: %w", err)
	}
	return b, nil
}

// Unmarshal decodes stored JSON bytes. Empty input decodes to nil content.
func Unmarshal(b []byte) (*genai.Content, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return Deserialize(rec), nil
}

// Text joins all text parts of c with a single space.
func Text(c *genai.Content) string {
	if c == nil {
		return ""
	}
	var texts []string
	for _, p := range c.Parts {
		if p != nil && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

// HasParts reports whether c carries at least one part.
func HasParts(c *genai.Content) bool {
	return c != nil && len(c.Parts) > 0
}

func stringForm(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}
