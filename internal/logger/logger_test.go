package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "nosteen.log")
	require.NoError(t, Init(WithLevel("debug"), WithFormat("json"), WithFile(path), WithVersion("test")))

	New("pool").Info("hello", zap.String("relay", "wss://a"))
	require.NoError(t, Shutdown())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"logger":"pool"`)
	assert.Contains(t, string(data), `"version":"test"`)

	assert.Error(t, Shutdown(), "already shut down")
}

func TestInitRejectsBadSettings(t *testing.T) {
	assert.Error(t, Init(WithLevel("loud")))
	assert.Error(t, Init(WithFormat("xml")))
}

func TestFromContext(t *testing.T) {
	l := zap.NewExample()
	assert.Same(t, l, FromContext(WithLogger(context.Background(), l)))
	assert.NotNil(t, FromContext(context.Background()))
}
