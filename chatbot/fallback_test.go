package chatbot

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFallbackIsDeterministic(t *testing.T) {
	fallback := NewFallback(nil, "")

	first := fallback.Respond("asdkfjalskdjf")
	assert.NotEmpty(t, first)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, fallback.Respond("asdkfjalskdjf"))
	}
	assert.Contains(t, defaultResponses, first)
}

func TestFallbackUsesWholePool(t *testing.T) {
	fallback := NewFallback([]string{"a", "b", "c"}, "")
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		seen[fallback.Respond(fmt.Sprintf("message %d", i))] = true
	}
	assert.Len(t, seen, 3)
}

func TestFallbackConfiguredPool(t *testing.T) {
	fallback := NewFallback([]string{"  ", "다시 말씀해 주세요."}, "점검 중입니다.")
	assert.Equal(t, 1, fallback.Size())
	assert.Equal(t, "다시 말씀해 주세요.", fallback.Respond(""))
	assert.Equal(t, "점검 중입니다.", fallback.Apology())
}

func TestFallbackDefaults(t *testing.T) {
	fallback := NewFallback([]string{""}, " ")
	assert.Equal(t, len(defaultResponses), fallback.Size())
	assert.Equal(t, defaultApology, fallback.Apology())

	var zero *Fallback
	assert.NotEmpty(t, zero.Respond("anything"))
	assert.Equal(t, defaultApology, zero.Apology())
}
