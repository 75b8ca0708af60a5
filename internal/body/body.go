// Package body classifies payloads as text or binary and encodes them for
// storage in the audit log.
package body

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Kind tags how a stored body must be interpreted.
type Kind string

const (
	KindJSON   Kind = "json"
	KindText   Kind = "text"
	KindBinary Kind = "binary"
)

var ErrUnknownKind = errors.New("unknown body kind")

var textPrefixes = []string{
	"text/",
	"application/json",
	"application/xml",
	"application/javascript",
}

// IsText reports whether a payload with the given Content-Type is text
// based. A missing content type counts as text.
func IsText(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	for _, p := range textPrefixes {
		if strings.HasPrefix(ct, p) {
			return true
		}
	}
	return false
}

// Body is one of: parsed JSON, raw text, or opaque bytes.
type Body struct {
	Kind   Kind
	JSON   json.RawMessage
	Text   string
	Binary []byte
}

func JSON(raw json.RawMessage) Body { return Body{Kind: KindJSON, JSON: raw} }
func Text(s string) Body            { return Body{Kind: KindText, Text: s} }
func Binary(b []byte) Body          { return Body{Kind: KindBinary, Binary: b} }

// Encode classifies payload and picks its storage form. Text payloads that
// are not valid UTF-8 or contain NUL are kept as binary so nothing is lost;
// Postgres jsonb cannot hold NUL in any form.
func Encode(contentType string, payload []byte) Body {
	if !IsText(contentType) {
		return Binary(clone(payload))
	}
	if !utf8.Valid(payload) || bytes.IndexByte(payload, 0) >= 0 {
		return Binary(clone(payload))
	}
	if json.Valid(payload) && !bytes.Contains(payload, []byte(`\u0000`)) {
		return JSON(clone(payload))
	}
	return Text(string(payload))
}

// Stored returns the JSON value written to the audit store together with
// its kind tag. Binary bodies become a base64 string.
func (b Body) Stored() (json.RawMessage, Kind, error) {
	switch b.Kind {
	case KindJSON:
		var buf bytes.Buffer
		if err := json.Compact(&buf, b.JSON); err != nil {
			return nil, "", fmt.Errorf("compact json body: %w", err)
		}
		return buf.Bytes(), KindJSON, nil
	case KindText:
		raw, err := json.Marshal(b.Text)
		if err != nil {
			return nil, "", fmt.Errorf("marshal text body: %w", err)
		}
		return raw, KindText, nil
	case KindBinary:
		raw, err := json.Marshal(base64.StdEncoding.EncodeToString(b.Binary))
		if err != nil {
			return nil, "", fmt.Errorf("marshal binary body: %w", err)
		}
		return raw, KindBinary, nil
	case "":
		// no body was captured, e.g. the outbound call never completed
		return json.RawMessage("null"), "", nil
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownKind, b.Kind)
	}
}

// Decode rebuilds a Body from its stored form.
func Decode(kind Kind, raw json.RawMessage) (Body, error) {
	switch kind {
	case KindJSON:
		if !json.Valid(raw) {
			return Body{}, fmt.Errorf("stored json body is not valid json")
		}
		return JSON(clone(raw)), nil
	case KindText:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Body{}, fmt.Errorf("decode text body: %w", err)
		}
		return Text(s), nil
	case KindBinary:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Body{}, fmt.Errorf("decode binary body: %w", err)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Body{}, fmt.Errorf("decode base64 body: %w", err)
		}
		return Binary(b), nil
	case "":
		return Body{}, nil
	default:
		return Body{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Bytes returns the payload as it would go over the wire.
func (b Body) Bytes() []byte {
	switch b.Kind {
	case KindJSON:
		return b.JSON
	case KindText:
		return []byte(b.Text)
	case KindBinary:
		return b.Binary
	}
	return nil
}

// MarshalJSON renders the body for API responses: JSON bodies inline, text
// as a string, binary as {"binary": "<base64>"}.
func (b Body) MarshalJSON() ([]byte, error) {
	switch b.Kind {
	case KindJSON:
		raw, _, err := b.Stored()
		return raw, err
	case KindText:
		return json.Marshal(b.Text)
	case KindBinary:
		return json.Marshal(map[string]string{"binary": base64.StdEncoding.EncodeToString(b.Binary)})
	case "":
		return []byte("null"), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, b.Kind)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
