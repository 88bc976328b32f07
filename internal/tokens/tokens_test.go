package tokens

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimate(t *testing.T) {
	assert.Equal(t, 0, Estimate(""))
	assert.Equal(t, 1, Estimate("hi"))
	assert.Equal(t, 1, Estimate("four"))
	assert.Equal(t, 3, Estimate("twelve chars"))
}

func TestNew_Modes(t *testing.T) {
	c, err := New("", nil)
	require.NoError(t, err)
	assert.Equal(t, ModeTiktoken, c.Mode())

	c, err = New(ModeHeuristic, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeHeuristic, c.Mode())

	_, err = New("sentencepiece", nil)
	assert.Error(t, err)
}

func TestCounter_Heuristic(t *testing.T) {
	c, err := New(ModeHeuristic, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, Estimate("The quick brown fox"), c.Count("The quick brown fox"))
}

// The encoding may be unavailable offline; the counter then degrades to the
// heuristic, so only properties shared by both paths are asserted.
func TestCounter_Tiktoken(t *testing.T) {
	c, err := New(ModeTiktoken, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, c.Count(""))
	short := c.Count("Hello")
	long := c.Count("Hello there, this sentence is considerably longer than the first one.")
	assert.Positive(t, short)
	assert.Greater(t, long, short)
}

func TestCounter_Concurrent(t *testing.T) {
	c, err := New(ModeTiktoken, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Positive(t, c.Count("concurrent counting"))
		}()
	}
	wg.Wait()
}

func TestCounter_NilIsHeuristic(t *testing.T) {
	var c *Counter
	assert.Equal(t, Estimate("nil counter text"), c.Count("nil counter text"))
}
