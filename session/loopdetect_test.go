package session_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bewest/sdqctl/session"
)

func TestLoopDetectorIdenticalResponses(t *testing.T) {
	d := session.NewLoopDetector(session.DefaultLoopDetectorConfig(""))
	stats := session.NewStats()
	stats.RecordResponse("same text", 2)
	stats.RecordResponse("same text", 2)

	found := d.CheckTurn(stats, "", "same text", true, 2, 0)
	require.NotNil(t, found)
	assert.Equal(t, session.ReasonIdenticalReplies, found.Reason)
	assert.Equal(t, 2, found.Cycle)
}

func TestLoopDetectorFiresWithinTwoTurns(t *testing.T) {
	d := session.NewLoopDetector(session.DefaultLoopDetectorConfig(""))
	stats := session.NewStats()

	stats.RecordResponse("first unique answer, long enough not to trip minimal-response", 2)
	found := d.CheckTurn(stats, "", "first unique answer, long enough not to trip minimal-response", true, 1, 0)
	assert.Nil(t, found)

	stats.RecordResponse("first unique answer, long enough not to trip minimal-response", 2)
	found = d.CheckTurn(stats, "", "first unique answer, long enough not to trip minimal-response", true, 2, 0)
	require.NotNil(t, found)
	assert.Equal(t, session.ReasonIdenticalReplies, found.Reason)
}

func TestLoopDetectorReasoningPattern(t *testing.T) {
	d := session.NewLoopDetector(session.DefaultLoopDetectorConfig(""))
	stats := session.NewStats()
	found := d.CheckTurn(stats, "I think we are going in circles here", "a reasonably long unique response text", true, 1, 0)
	require.NotNil(t, found)
	assert.Equal(t, session.ReasonPatternMatch, found.Reason)
}

func TestLoopDetectorMinimalResponseNoToolCalls(t *testing.T) {
	d := session.NewLoopDetector(session.DefaultLoopDetectorConfig(""))
	stats := session.NewStats()
	found := d.CheckTurn(stats, "", "ok", false, 1, 0)
	require.NotNil(t, found)
	assert.Equal(t, session.ReasonMinimalResponse, found.Reason)
}

func TestLoopDetectorMinimalResponseWithToolCallsIsFine(t *testing.T) {
	d := session.NewLoopDetector(session.DefaultLoopDetectorConfig(""))
	stats := session.NewStats()
	found := d.CheckTurn(stats, "", "ok", true, 1, 0)
	assert.Nil(t, found)
}

func TestLoopDetectorStopFile(t *testing.T) {
	dir := t.TempDir()
	_, err := session.WriteStopFile(dir, "abc123", session.StopFileBody{Reason: "manual abort", NeedsReview: true})
	require.NoError(t, err)

	d := session.NewLoopDetector(session.DefaultLoopDetectorConfig(dir))
	stats := session.NewStats()
	found := d.CheckTurn(stats, "", "a reasonably long unique response here", true, 1, 0)
	require.NotNil(t, found)
	assert.Equal(t, session.ReasonStopFile, found.Reason)
}

func TestWriteStopFileContents(t *testing.T) {
	dir := t.TempDir()
	path, err := session.WriteStopFile(dir, "nonce1", session.StopFileBody{Reason: "x", NeedsReview: false, TestID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "STOPAUTOMATION-nonce1.json"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"test_id":"t1"`)
}
