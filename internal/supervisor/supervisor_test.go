package supervisor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFakeRecordsRestarts(t *testing.T) {
	f := &Fake{AvailableResult: true, RestartExit: 0, StatusResult: Running}

	var a Adapter = f
	assert.True(t, a.Available())

	code, err := a.Restart(context.Background(), "bin1")
	assert.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"bin1"}, f.Restarts)

	assert.Equal(t, Running, a.Status(context.Background(), "bin1"))
}

func TestFakeUnavailable(t *testing.T) {
	f := &Fake{AvailableResult: false}
	assert.False(t, f.Available())
}
