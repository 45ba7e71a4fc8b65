package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeLineStripsCarriageReturns(t *testing.T) {
	assert.Equal(t, "hello world", normalizeLine("hello\r world\r"))
	assert.Equal(t, "", normalizeLine("\r\r\r"))
	assert.Equal(t, "plain", normalizeLine("plain"))
}

func TestSafeBufferAccumulatesLines(t *testing.T) {
	var buf safeBuffer
	buf.WriteLine("first")
	buf.WriteLine("second")
	assert.Equal(t, "first\nsecond\n", buf.String())
}

func TestSafeBufferConcurrentWrites(t *testing.T) {
	var buf safeBuffer
	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func() {
			buf.WriteLine("x")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	assert.Len(t, buf.String(), 20*2)
}
