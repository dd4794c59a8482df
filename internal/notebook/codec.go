package notebook

import (
	"encoding/json"
	"fmt"
)

// Tagged JSON envelopes for the Edit and Result sums. Plain encoding/json
// cannot round-trip interface values, so anything that serializes a
// notebook (storage, the status topic, the remote protocol) goes through
// these.

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	editInsertCell    = "insert_cell"
	editDeleteCell    = "delete_cell"
	editUpdateContent = "update_content"
	editSetLanguage   = "set_language"
	editSetMetadata   = "set_metadata"
	editSetResults    = "set_results"
	editUpdateConfig  = "update_config"
)

// EncodeEdit serializes an edit as a tagged envelope.
func EncodeEdit(e Edit) ([]byte, error) {
	var tag string
	switch e.(type) {
	case InsertCell:
		tag = editInsertCell
	case DeleteCell:
		tag = editDeleteCell
	case UpdateContent:
		tag = editUpdateContent
	case SetLanguage:
		tag = editSetLanguage
	case SetMetadata:
		tag = editSetMetadata
	case SetResults:
		tag = editSetResults
	case UpdateConfig:
		tag = editUpdateConfig
	default:
		return nil, fmt.Errorf("encode edit: unknown variant %T", e)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode edit %s: %w", tag, err)
	}
	return json.Marshal(envelope{Type: tag, Data: data})
}

// DecodeEdit deserializes a tagged edit envelope.
func DecodeEdit(data []byte) (Edit, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode edit envelope: %w", err)
	}
	var (
		e   Edit
		err error
	)
	switch env.Type {
	case editInsertCell:
		var v InsertCell
		err = json.Unmarshal(env.Data, &v)
		e = v
	case editDeleteCell:
		var v DeleteCell
		err = json.Unmarshal(env.Data, &v)
		e = v
	case editUpdateContent:
		var v UpdateContent
		err = json.Unmarshal(env.Data, &v)
		e = v
	case editSetLanguage:
		var v SetLanguage
		err = json.Unmarshal(env.Data, &v)
		e = v
	case editSetMetadata:
		var v SetMetadata
		err = json.Unmarshal(env.Data, &v)
		e = v
	case editSetResults:
		var v SetResults
		err = json.Unmarshal(env.Data, &v)
		e = v
	case editUpdateConfig:
		var v UpdateConfig
		err = json.Unmarshal(env.Data, &v)
		e = v
	default:
		return nil, fmt.Errorf("decode edit: unknown type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode edit %s: %w", env.Type, err)
	}
	return e, nil
}

const (
	resultOutput    = "output"
	resultValue     = "value"
	resultTiming    = "timing"
	resultError     = "error"
	resultStreamEnd = "stream_end"
)

// EncodeResult serializes a result as a tagged envelope.
func EncodeResult(r Result) ([]byte, error) {
	var tag string
	switch r.(type) {
	case Output:
		tag = resultOutput
	case Value:
		tag = resultValue
	case Timing:
		tag = resultTiming
	case ErrorResult:
		tag = resultError
	case StreamEnd:
		tag = resultStreamEnd
	default:
		return nil, fmt.Errorf("encode result: unknown variant %T", r)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode result %s: %w", tag, err)
	}
	return json.Marshal(envelope{Type: tag, Data: data})
}

// DecodeResult deserializes a tagged result envelope.
func DecodeResult(data []byte) (Result, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode result envelope: %w", err)
	}
	var (
		r   Result
		err error
	)
	switch env.Type {
	case resultOutput:
		var v Output
		err = json.Unmarshal(env.Data, &v)
		r = v
	case resultValue:
		var v Value
		err = json.Unmarshal(env.Data, &v)
		r = v
	case resultTiming:
		var v Timing
		err = json.Unmarshal(env.Data, &v)
		r = v
	case resultError:
		var v ErrorResult
		err = json.Unmarshal(env.Data, &v)
		r = v
	case resultStreamEnd:
		r = StreamEnd{}
	default:
		return nil, fmt.Errorf("decode result: unknown type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode result %s: %w", env.Type, err)
	}
	return r, nil
}

// Results is a result list that round-trips through JSON using tagged
// envelopes. Cell.Results and SetResults.Results use it.
type Results []Result

// MarshalJSON implements json.Marshaler.
func (rs Results) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, len(rs))
	for i, r := range rs {
		data, err := EncodeResult(r)
		if err != nil {
			return nil, err
		}
		raw[i] = data
	}
	return json.Marshal(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (rs *Results) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		// Empty and absent decode the same so round-tripped notebooks
		// compare equal to their originals.
		*rs = nil
		return nil
	}
	out := make(Results, len(raw))
	for i, m := range raw {
		r, err := DecodeResult(m)
		if err != nil {
			return err
		}
		out[i] = r
	}
	*rs = out
	return nil
}
