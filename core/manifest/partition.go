package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// PartitionKey canonicalizes a partition as JSON with sorted keys at every level, so logically
// equal partitions map to the same key. An empty partition yields "".
func PartitionKey(partition map[string]any) (string, error) {
	if len(partition) == 0 {
		return "", nil
	}
	generic, err := toGeneric(partition)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json writes map keys in sorted order.
	if err := enc.Encode(generic); err != nil {
		return "", fmt.Errorf("encode partition: %w", err)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// ParsePartitionKey decodes a key produced by PartitionKey.
func ParsePartitionKey(key string) (map[string]any, error) {
	if key == "" {
		return nil, nil
	}
	var out map[string]any
	dec := json.NewDecoder(bytes.NewReader([]byte(key)))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode partition key: %w", err)
	}
	return out, nil
}

// toGeneric round-trips v through JSON so typed values (structs, typed maps, time.Time) share
// one representation. Numbers keep their literal text.
func toGeneric(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode partition: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode partition: %w", err)
	}
	return out, nil
}
