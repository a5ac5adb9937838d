package pipeline

import "encoding/json"

// marshalRecordData serializes a handler's parsed record data into the
// data_json column.
func marshalRecordData(data map[string]any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// unmarshalRecordData parses a records.data_json value back into the
// generic map shape handlers' Build methods expect.
func unmarshalRecordData(dataJSON string) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
		return nil, err
	}
	return data, nil
}

// DecodeRecordData exposes unmarshalRecordData to other packages (the
// Orchestrator's outputs_dev export needs the same record shape the Build
// Pipeline reads).
func DecodeRecordData(dataJSON string) (map[string]any, error) {
	return unmarshalRecordData(dataJSON)
}

// ExtractLine pulls the canonical "line" field out of a text-format
// record's data map, accommodating both {data: {line}} and {line} shapes.
func ExtractLine(data map[string]any) (string, bool) {
	return extractLineValue(data)
}
