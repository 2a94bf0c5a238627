// Package streamfwd pipes an upstream SSE body to the client byte-for-byte
// while best-effort extracting a usage total from the terminal chunk.
//
// Unlike the teacher's writeSSE (internal/proxy/gateway.go), which
// decodes each chunk's delta into a reconstructed JSON envelope, this
// forwarder copies raw SSE frames straight through — the hollow-proxy
// invariant forbids re-encoding. It only parses a chunk far enough to look
// for a terminal "usage" object; parse failures are ignored and never
// interrupt the copy.
package streamfwd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/valyala/fasthttp"
)

// State is the stream's lifecycle stage, reported to the caller via the
// onState callback so metrics/accounting can observe every transition.
type State int

const (
	Opening State = iota
	Streaming
	Complete
	Broken
	Failed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Streaming:
		return "streaming"
	case Complete:
		return "complete"
	case Broken:
		return "broken"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Usage is the best-effort token accounting extracted from the stream's
// terminal chunk.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	Found            bool
}

// Result is reported once the stream drains or breaks.
type Result struct {
	State State
	Usage Usage
}

// Forward copies body's SSE frames to ctx verbatim, invoking onState on
// every lifecycle transition. estimate is the pre-request token estimate
// used as Usage when the terminal chunk carries none. onDone is called
// exactly once, after the copy loop exits, with the final Result — this is
// the hook the pipeline uses to schedule accounting.
func Forward(ctx *fasthttp.RequestCtx, body io.ReadCloser, estimate int64, onState func(State), onDone func(Result)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	if onState != nil {
		onState(Opening)
	}

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer body.Close()

		reader := bufio.NewReader(body)
		usage := Usage{}
		state := Streaming
		firstByte := true

		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				if firstByte {
					if onState != nil {
						onState(Streaming)
					}
					firstByte = false
				}

				if u, ok := parseUsage(line); ok {
					usage = u
				}

				if _, werr := w.Write(line); werr != nil {
					state = Broken
					break
				}
				w.Flush()
			}

			if err != nil {
				if err == io.EOF {
					state = Complete
				} else {
					state = Broken
				}
				break
			}
		}

		if !usage.Found {
			usage = Usage{PromptTokens: 0, CompletionTokens: estimate, Found: false}
		}

		if onState != nil {
			onState(state)
		}
		if onDone != nil {
			onDone(Result{State: state, Usage: usage})
		}
	})
}

// parseUsage inspects one raw SSE "data: ..." line for an OpenAI-style
// terminal usage object. Returns ok=false for delta lines, [DONE]
// sentinels, or any line that doesn't parse — callers must treat that as
// "no usage here", never as a stream error.
func parseUsage(line []byte) (Usage, bool) {
	trimmed := bytes.TrimSpace(line)
	if !bytes.HasPrefix(trimmed, []byte("data:")) {
		return Usage{}, false
	}
	payload := bytes.TrimSpace(trimmed[len("data:"):])
	if len(payload) == 0 || string(payload) == "[DONE]" {
		return Usage{}, false
	}

	var chunk struct {
		Usage *struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(payload, &chunk); err != nil || chunk.Usage == nil {
		return Usage{}, false
	}

	return Usage{
		PromptTokens:     chunk.Usage.PromptTokens,
		CompletionTokens: chunk.Usage.CompletionTokens,
		Found:            true,
	}, true
}
