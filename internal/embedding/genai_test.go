package embedding

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewGenAIEngineValidation(t *testing.T) {
	_, err := NewGenAIEngine("", "gemini-embedding-001", "SEMANTIC_SIMILARITY")
	assert.Error(t, err, "missing API key is rejected")

	_, err = NewGenAIEngine("key", "gemini-embedding-001", "SUMMARIZATION_OF_CATS")
	assert.Error(t, err, "unknown task types are rejected before any client is built")
}
