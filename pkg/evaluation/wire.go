package evaluation

import (
	"encoding/json"
	"fmt"
)

// Engine tool names.
const (
	ToolEvaluate = "evaluate"
	ToolExecute  = "execute"
)

// EvaluateArgs are the arguments of the evaluate tool.
type EvaluateArgs struct {
	Expression string `json:"expression"`
	Kind       Kind   `json:"kind,omitempty"`
}

// ExecuteArgs are the arguments of the execute tool.
type ExecuteArgs struct {
	Command string `json:"command"`
}

// Input schemas advertised by an engine for its tools.
var (
	EvaluateSchema = json.RawMessage(`{"type":"object","properties":{"expression":{"type":"string"},"kind":{"type":"string","enum":["normal","reentrant"]}},"required":["expression"]}`)
	ExecuteSchema  = json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`)
)

// EncodeResponse renders the payload of a tool response: the Result on
// success, the Fault when err is one, and an engine-class Fault for any
// other error. isFault reports which of the two was produced.
func EncodeResponse(res Result, err error) (payload []byte, isFault bool) {
	if err != nil {
		f, ok := AsFault(err)
		if !ok {
			f = &Fault{Message: err.Error(), Class: ClassEngine}
		}
		b, _ := json.Marshal(f)
		return b, true
	}

	b, mErr := json.Marshal(res)
	if mErr != nil {
		b, _ = json.Marshal(&Fault{Message: mErr.Error(), Class: ClassDecode})
		return b, true
	}
	return b, false
}

// DecodeResponse is the inverse of EncodeResponse. A malformed payload is a
// decode Fault.
func DecodeResponse(payload []byte, isFault bool) (Result, error) {
	if isFault {
		var f Fault
		if err := json.Unmarshal(payload, &f); err != nil || f.Message == "" {
			// Engines that predate the envelope send plain text.
			return Result{}, &Fault{Message: string(payload), Class: ClassEngine}
		}
		if f.Class == "" {
			f.Class = ClassEngine
		}
		return Result{}, &f
	}

	var res Result
	if len(payload) == 0 {
		return res, nil
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return Result{}, &Fault{Message: fmt.Sprintf("malformed response: %v", err), Class: ClassDecode}
	}
	return res, nil
}
