package analyzers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/infrastructure/vaultsecrets"
)

func TestLyricsProvider_BothBackendsFailReturnsClassifiedError(t *testing.T) {
	store, err := vaultsecrets.NewStore("http://127.0.0.1:1", "test-token", "secret", zap.NewNop())
	require.NoError(t, err)

	p := NewLyricsProvider(zap.NewNop(), store, &http.Client{Timeout: 200 * time.Millisecond})

	_, err = p.Provide(context.Background(), "some track title", "")
	require.Error(t, err)
}
