package profiler

import (
	"bytes"
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const previewLimit = 500

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

var errNoJSON = errors.New("failed to extract JSON data")

// Fields is the typed view of a normalized payload. Every field is optional;
// a key that is missing or holds the wrong JSON type stays nil.
type Fields struct {
	VibeScore       *float64
	Summary         *string
	Behavior        *string
	BurstEvents     json.RawMessage
	MemorableEvents json.RawMessage
	WeekSummary     *string
	ProcessingError *string
}

// Payload is the structured form of one LLM response. Raw holds the parsed
// document verbatim and is what gets persisted as profile_result.
type Payload struct {
	Raw      json.RawMessage
	Degraded bool
	Fields   Fields
}

// MarshalJSON emits the verbatim document.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p.Raw) == 0 {
		return []byte("null"), nil
	}
	return p.Raw, nil
}

type degradedDocument struct {
	ProcessingError  string `json:"processing_error"`
	RawResponse      string `json:"raw_response"`
	ExtractedContent string `json:"extracted_content"`
}

// Normalize turns free-form model output into a Payload. It tries, in order:
// the whole text as JSON, the first fenced code block, then the first brace
// delimited span. It never fails; when nothing parses the payload is degraded
// and carries the diagnostic, the raw text and a 500 character preview.
func Normalize(raw string) Payload {
	content := strings.TrimSpace(raw)

	if doc, err := parseDocument(content); err == nil {
		return newPayload(doc)
	}

	lastErr := errNoJSON
	if m := fencedBlock.FindStringSubmatch(content); m != nil {
		doc, err := parseDocument(strings.TrimSpace(m[1]))
		if err == nil {
			return newPayload(doc)
		}
		lastErr = err
	}

	for _, candidate := range braceCandidates(content) {
		doc, err := parseDocument(candidate)
		if err == nil {
			return newPayload(doc)
		}
		lastErr = err
	}

	return degradedPayload(raw, content, lastErr)
}

func parseDocument(s string) (json.RawMessage, error) {
	var doc json.RawMessage
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// braceCandidates returns the balanced span starting at the first '{' and,
// when it differs, the greedy span from the first '{' to the last '}'.
func braceCandidates(content string) []string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end < start {
		return nil
	}
	var out []string
	if balanced := extractJSONObject(content); balanced != "" {
		out = append(out, balanced)
	}
	greedy := content[start : end+1]
	if len(out) == 0 || out[0] != greedy {
		out = append(out, greedy)
	}
	return out
}

func extractJSONObject(input string) string {
	start := strings.Index(input, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(input); i++ {
		ch := input[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			if ch == '\\' {
				escaped = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return input[start : i+1]
			}
		}
	}
	return ""
}

func degradedPayload(raw, content string, cause error) Payload {
	msg := "JSON parsing error: " + cause.Error()
	doc, _ := json.Marshal(degradedDocument{
		ProcessingError:  msg,
		RawResponse:      raw,
		ExtractedContent: preview(content, previewLimit),
	})
	return Payload{
		Raw:      doc,
		Degraded: true,
		Fields:   Fields{ProcessingError: &msg},
	}
}

func preview(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "..."
}

func newPayload(doc json.RawMessage) Payload {
	return Payload{Raw: doc, Fields: decodeFields(doc)}
}

func decodeFields(doc json.RawMessage) Fields {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(doc, &obj); err != nil {
		return Fields{}
	}
	return Fields{
		VibeScore:       numberField(obj["vibe_score"]),
		Summary:         stringField(obj["summary"]),
		Behavior:        textField(obj["behavior"]),
		BurstEvents:     listField(obj["burst_events"]),
		MemorableEvents: listField(obj["memorable_events"]),
		WeekSummary:     stringField(obj["week_summary"]),
		ProcessingError: stringField(obj["processing_error"]),
	}
}

func numberField(v json.RawMessage) *float64 {
	if isNull(v) {
		return nil
	}
	var n float64
	if err := json.Unmarshal(v, &n); err == nil {
		return &n
	}
	// Models occasionally quote numbers.
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return nil
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	return &n
}

func stringField(v json.RawMessage) *string {
	if isNull(v) {
		return nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return nil
	}
	return &s
}

// textField keeps strings as-is and renders any other non-null value as
// compact JSON text.
func textField(v json.RawMessage) *string {
	if isNull(v) {
		return nil
	}
	if s := stringField(v); s != nil {
		return s
	}
	text := string(v)
	return &text
}

func listField(v json.RawMessage) json.RawMessage {
	if len(v) == 0 || v[0] != '[' {
		return nil
	}
	return v
}

func isNull(v json.RawMessage) bool {
	return len(v) == 0 || string(v) == "null"
}
