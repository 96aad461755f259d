package profiler

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePlainJSON(t *testing.T) {
	docs := []string{
		`{"vibe_score": 72, "summary": "steady morning", "behavior": "walking, talking"}`,
		`  {"nested": {"a": [1, 2, {"b": null}]}, "summary": "x"}  `,
		`[1, 2, 3]`,
		`"just a string"`,
		`42`,
	}
	for _, doc := range docs {
		p := Normalize(doc)
		assert.False(t, p.Degraded, doc)
		assert.JSONEq(t, strings.TrimSpace(doc), string(p.Raw), doc)
	}

	p := Normalize(docs[0])
	require.NotNil(t, p.Fields.VibeScore)
	assert.Equal(t, 72.0, *p.Fields.VibeScore)
	assert.Equal(t, "steady morning", *p.Fields.Summary)
	assert.Equal(t, "walking, talking", *p.Fields.Behavior)
}

func TestNormalizeFencedBlock(t *testing.T) {
	cases := []string{
		"Here is the analysis:\n```json\n{\"vibe_score\": 55, \"summary\": \"ok\"}\n```\nThanks!",
		"```\n{\"vibe_score\": 55, \"summary\": \"ok\"}\n```",
		"prefix ```json{\"vibe_score\": 55, \"summary\": \"ok\"}``` suffix {not json}",
	}
	for _, in := range cases {
		p := Normalize(in)
		require.False(t, p.Degraded, in)
		assert.JSONEq(t, `{"vibe_score": 55, "summary": "ok"}`, string(p.Raw))
	}
}

func TestNormalizeEmbeddedObject(t *testing.T) {
	p := Normalize(`Sure! {"summary": "quiet day", "burst_events": [{"time": "10:00"}]} Hope that helps.`)
	require.False(t, p.Degraded)
	assert.Equal(t, "quiet day", *p.Fields.Summary)
	assert.JSONEq(t, `[{"time": "10:00"}]`, string(p.Fields.BurstEvents))
}

func TestNormalizeBalancedScanHandlesTrailingBraces(t *testing.T) {
	// The greedy first-to-last span would include "{see notes}" and fail.
	p := Normalize(`Result: {"summary": "a {b} c", "meta": {"k": 1}} and also {see notes}`)
	require.False(t, p.Degraded)
	assert.JSONEq(t, `{"summary": "a {b} c", "meta": {"k": 1}}`, string(p.Raw))
}

func TestNormalizeBraceSpanIgnoresLeadingQuote(t *testing.T) {
	p := Normalize(`note: "unterminated {"summary": "fine"}`)
	require.False(t, p.Degraded)
	assert.Equal(t, "fine", *p.Fields.Summary)
}

func TestNormalizeUnparseableBracesDegrade(t *testing.T) {
	p := Normalize(`here is {not: json} for you`)
	require.True(t, p.Degraded)
	require.NotNil(t, p.Fields.ProcessingError)
	assert.True(t, strings.HasPrefix(*p.Fields.ProcessingError, "JSON parsing error: "))
	assert.NotEqual(t, "JSON parsing error: failed to extract JSON data", *p.Fields.ProcessingError)
}

func TestNormalizeDegraded(t *testing.T) {
	in := "  The model refused to answer in JSON.  "
	p := Normalize(in)
	require.True(t, p.Degraded)

	var doc map[string]string
	require.NoError(t, json.Unmarshal(p.Raw, &doc))
	assert.Equal(t, "JSON parsing error: failed to extract JSON data", doc["processing_error"])
	assert.Equal(t, in, doc["raw_response"])
	assert.Equal(t, "The model refused to answer in JSON.", doc["extracted_content"])
	assert.Nil(t, p.Fields.VibeScore)
	assert.Nil(t, p.Fields.Summary)
	require.NotNil(t, p.Fields.ProcessingError)
}

func TestNormalizeDegradedPreviewIsCapped(t *testing.T) {
	in := "{" + strings.Repeat("é", 700)
	p := Normalize(in)
	require.True(t, p.Degraded)

	var doc map[string]string
	require.NoError(t, json.Unmarshal(p.Raw, &doc))
	preview := doc["extracted_content"]
	assert.True(t, strings.HasSuffix(preview, "..."))
	assert.Equal(t, 503, len([]rune(preview)))
	assert.Equal(t, in, doc["raw_response"])
}

func TestNormalizeEmptyInput(t *testing.T) {
	p := Normalize("")
	require.True(t, p.Degraded)
	var doc map[string]string
	require.NoError(t, json.Unmarshal(p.Raw, &doc))
	assert.Equal(t, "", doc["raw_response"])
	assert.Equal(t, "", doc["extracted_content"])
	assert.True(t, strings.HasPrefix(doc["processing_error"], "JSON parsing error: "))
}

func TestNormalizeBrokenFenceReportsParseError(t *testing.T) {
	p := Normalize("```json\n{\"summary\": }\n```")
	require.True(t, p.Degraded)
	assert.NotEqual(t, "JSON parsing error: failed to extract JSON data", *p.Fields.ProcessingError)
}

func TestFieldsTolerateWrongTypes(t *testing.T) {
	p := Normalize(`{"vibe_score": "81.5", "summary": 12, "behavior": ["run", "sit"], "burst_events": "none", "memorable_events": null}`)
	require.False(t, p.Degraded)
	require.NotNil(t, p.Fields.VibeScore)
	assert.Equal(t, 81.5, *p.Fields.VibeScore)
	assert.Nil(t, p.Fields.Summary)
	assert.Equal(t, `["run","sit"]`, *p.Fields.Behavior)
	assert.Nil(t, p.Fields.BurstEvents)
	assert.Nil(t, p.Fields.MemorableEvents)

	p = Normalize(`{"vibe_score": null, "summary": null}`)
	assert.Nil(t, p.Fields.VibeScore)
	assert.Nil(t, p.Fields.Summary)
}

func TestPayloadMarshalsVerbatim(t *testing.T) {
	p := Normalize(`{"b": 1, "a": [true]}`)
	out, err := json.Marshal(map[string]any{"analysis_result": p})
	require.NoError(t, err)
	assert.JSONEq(t, `{"analysis_result": {"b": 1, "a": [true]}}`, string(out))

	out, err = json.Marshal(Payload{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))
}
