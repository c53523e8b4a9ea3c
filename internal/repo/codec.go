package repo

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/animus-labs/xray-go/pkg/trail"
)

func EncodePayload(p trail.Payload) ([]byte, error) {
	if p == nil {
		p = trail.Payload{}
	}
	return json.Marshal(p)
}

// DecodePayload keeps numbers as json.Number so values survive unchanged.
func DecodePayload(raw []byte) (trail.Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return trail.Payload{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return trail.Payload(out), nil
}

func EncodeTags(tags []string) ([]byte, error) {
	if tags == nil {
		tags = []string{}
	}
	return json.Marshal(tags)
}

func DecodeTags(raw []byte) ([]string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func EncodeError(info *trail.ErrorInfo) ([]byte, error) {
	if info == nil {
		return nil, nil
	}
	return json.Marshal(info)
}

func DecodeError(raw []byte) (*trail.ErrorInfo, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var info trail.ErrorInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// LikePattern wraps text for a substring LIKE match with '\' as the escape
// character.
func LikePattern(text string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.TrimSpace(text)) + "%"
}

// TagPattern matches a tag inside a JSON-encoded tag array.
func TagPattern(tag string) string {
	quoted, _ := json.Marshal(strings.TrimSpace(tag))
	return LikePattern(string(quoted))
}
