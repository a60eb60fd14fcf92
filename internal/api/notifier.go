package api

import (
	"context"

	"github.com/your-org/presence/internal/api/handlers"
	"github.com/your-org/presence/internal/api/ws"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/pkg/dto"
)

// HubNotifier broadcasts presence events on the WebSocket hub. It serves as
// the recorder's notifier when no NATS server is configured, and as the
// PRESENCE stream handler when one is.
type HubNotifier struct {
	Hub      *ws.Hub
	PhotoURL func(models.PhotoRef) string
}

func (n *HubNotifier) NotifyPresence(_ context.Context, ev *models.PresenceEvent) error {
	n.Hub.BroadcastPresence(&dto.WSEvent{
		Type: "presence",
		Data: handlers.ToPresenceResponse(ev, n.PhotoURL),
	})
	return nil
}
