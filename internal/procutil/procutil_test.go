package procutil

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlive(t *testing.T) {
	assert.True(t, Alive(int32(os.Getpid())))
	// PID numbers wrap long before this value.
	assert.False(t, Alive(1<<30))
}

func TestNameOfSelf(t *testing.T) {
	name := Name(int32(os.Getpid()))
	assert.NotEmpty(t, name)
}

func TestNameOfMissingProcess(t *testing.T) {
	assert.Empty(t, Name(1<<30))
}
