package service

import "encoding/json"

// EncodeIDList renders entity IDs as a JSON array for storage in text
// columns. An empty list encodes as "[]" so decoding never sees bare "".
func EncodeIDList(ids []uint) string {
	if ids == nil {
		ids = []uint{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

// DecodeIDList parses a stored JSON id array; malformed input decodes to
// an empty list rather than failing a read path.
func DecodeIDList(encoded string) []uint {
	if encoded == "" {
		return nil
	}
	var ids []uint
	if err := json.Unmarshal([]byte(encoded), &ids); err != nil {
		return nil
	}
	return ids
}
