package usage

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/tidwall/gjson"
)

// maxInspectBytes caps how much of a response is decoded for usage inspection.
const maxInspectBytes = 8 << 20

// Detail is the token and cost accounting reported by upstream for one request.
type Detail struct {
	PromptTokens     int64
	CompletionTokens int64
	ReasoningTokens  int64
	CachedTokens     int64
	TotalTokens      int64
	CostMicroUSD     int64

	// Found is false when the response carried no usage object.
	Found bool
	// Estimated is true when PromptTokens came from the local tokenizer.
	Estimated bool
}

// ParseUsage reads the OpenAI/OpenRouter usage object from a JSON document.
func ParseUsage(doc []byte) Detail {
	node := gjson.GetBytes(doc, "usage")
	if !node.Exists() || !node.IsObject() {
		return Detail{}
	}
	d := Detail{
		Found:            true,
		PromptTokens:     node.Get("prompt_tokens").Int(),
		CompletionTokens: node.Get("completion_tokens").Int(),
		TotalTokens:      node.Get("total_tokens").Int(),
		ReasoningTokens:  node.Get("completion_tokens_details.reasoning_tokens").Int(),
		CachedTokens:     node.Get("prompt_tokens_details.cached_tokens").Int(),
		CostMicroUSD:     USDToMicroUSD(node.Get("cost").Float()),
	}
	if d.TotalTokens == 0 {
		d.TotalTokens = d.PromptTokens + d.CompletionTokens
	}
	return d
}

// Decode undoes a Content-Encoding for inspection. Unknown or empty encodings
// return body unchanged.
func Decode(body []byte, encoding string) ([]byte, error) {
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	if idx := strings.Index(encoding, ","); idx > 0 {
		encoding = strings.TrimSpace(encoding[:idx])
	}
	var r io.Reader
	switch encoding {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		gr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("usage: gzip reader: %w", err)
		}
		defer gr.Close()
		r = gr
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("usage: zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	case "br":
		r = brotli.NewReader(bytes.NewReader(body))
	default:
		return nil, fmt.Errorf("usage: unsupported content-encoding %q", encoding)
	}
	return io.ReadAll(io.LimitReader(r, maxInspectBytes))
}

// LastStreamUsage scans SSE text and returns the usage object of the last
// data event that carried one.
func LastStreamUsage(stream []byte) Detail {
	var last Detail
	for _, line := range bytes.Split(stream, []byte("\n")) {
		if d, ok := eventUsage(line); ok {
			last = d
		}
	}
	return last
}

func eventUsage(line []byte) (Detail, bool) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, []byte("data:")) {
		return Detail{}, false
	}
	payload := bytes.TrimSpace(line[len("data:"):])
	if len(payload) == 0 || payload[0] != '{' {
		return Detail{}, false
	}
	d := ParseUsage(payload)
	return d, d.Found
}
