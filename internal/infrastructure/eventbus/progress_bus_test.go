package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/okinrev/veza-web-app/internal/domain/entities"
)

func TestProgressEventType_Terminal(t *testing.T) {
	cases := map[ProgressEventType]bool{
		EventEnqueued:            false,
		EventStarted:             false,
		EventProgress:            false,
		EventCompleted:           true,
		EventFailed:              true,
		EventCancelled:           true,
		EventGlobalArtifactReady: false,
	}
	for eventType, want := range cases {
		assert.Equal(t, want, eventType.terminal(), "terminal() for %s", eventType)
	}
}

func TestUserSubject_IsPerUser(t *testing.T) {
	assert.Equal(t, "progress.user.7", userSubject(entities.UserID(7)))
	assert.NotEqual(t, userSubject(entities.UserID(7)), userSubject(entities.UserID(8)))
}
