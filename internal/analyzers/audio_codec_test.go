package analyzers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrimNewline(t *testing.T) {
	assert.Equal(t, "123.45", trimNewline("123.45\n"))
	assert.Equal(t, "123.45", trimNewline("123.45\r\n"))
	assert.Equal(t, "123.45", trimNewline("123.45"))
}
