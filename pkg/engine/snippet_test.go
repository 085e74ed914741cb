package engine

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSnippetShortStringUntouched(t *testing.T) {
	assert.Equal(t, "bamboo", snippet("bamboo", 500))
}

func TestSnippetTrimsAtRuneBoundary(t *testing.T) {
	// 3-byte runes; 500 is not a multiple of 3, so a byte cut would split one.
	s := strings.Repeat("熊", 300)
	out := snippet(s, 500)

	assert.True(t, utf8.ValidString(out))
	assert.True(t, strings.HasSuffix(out, "…"))
	assert.LessOrEqual(t, len(out), 500+len("…"))
}
