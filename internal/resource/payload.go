package resource

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// decode parses payload as a JSON object.
func decode(payload []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrSerialization)
	}
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrSerialization)
	}
	return doc, nil
}

func encode(doc map[string]any) (json.RawMessage, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return b, nil
}

// stamp writes the record identity and version metadata into doc.
func stamp(doc map[string]any, resourceType, id string, version int, at time.Time) {
	doc["resourceType"] = resourceType
	doc["id"] = id
	meta, _ := doc["meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["versionId"] = strconv.Itoa(version)
	meta["lastUpdated"] = at.UTC().Format(time.RFC3339Nano)
	doc["meta"] = meta
}

// metaVersion returns the numeric meta.versionId carried by doc, if any.
func metaVersion(doc map[string]any) (int, bool) {
	meta, _ := doc["meta"].(map[string]any)
	if meta == nil {
		return 0, false
	}
	var s string
	switch v := meta["versionId"].(type) {
	case string:
		s = v
	case json.Number:
		s = v.String()
	default:
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// ensureID guarantees the payload carries "id", rewriting it only when
// missing or different.
func ensureID(payload json.RawMessage, id string) json.RawMessage {
	doc, err := decode(payload)
	if err != nil {
		return payload
	}
	if cur, _ := doc["id"].(string); cur == id {
		return payload
	}
	doc["id"] = id
	out, err := encode(doc)
	if err != nil {
		return payload
	}
	return out
}

// overlay stamps a history snapshot with its version and timestamp.
func overlay(payload json.RawMessage, resourceType, id string, version int, at time.Time) json.RawMessage {
	if len(payload) == 0 {
		return payload
	}
	doc, err := decode(payload)
	if err != nil {
		return payload
	}
	stamp(doc, resourceType, id, version, at)
	out, err := encode(doc)
	if err != nil {
		return payload
	}
	return out
}
