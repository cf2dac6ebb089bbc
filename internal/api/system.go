package api

import (
	"encoding/json"
	"io"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/dockhand/composeops/internal/models"
	"github.com/dockhand/composeops/internal/utils"
)

// systemPing handles GET /system/ping, reporting engine connectivity.
func (s *Server) systemPing(c *gin.Context) {
	ping, err := s.dockerManager.Ping(c.Request.Context())
	if err != nil {
		utils.ServiceUnavailable(c, "Docker engine is unreachable")
		return
	}

	utils.SuccessResponse(c, models.PingResponse{
		APIVersion:   ping.APIVersion,
		OSType:       ping.OSType,
		Experimental: ping.Experimental,
	})
}

// systemEvents handles GET /system/events, streaming the same broadcast
// feed the WebSocket channel carries over Server-Sent Events. It is a
// receive-only alternative for clients that cannot hold a socket open;
// subscription commands are not available here, so only "all"-scope
// events flow.
func (s *Server) systemEvents(c *gin.Context) {
	conn := s.hub.Connect()
	defer s.hub.Disconnect(conn.ID)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case envelope, ok := <-conn.Send:
			if !ok {
				return false
			}
			data, err := json.Marshal(envelope.Data)
			if err != nil {
				s.logger.WithError(err).Error("Failed to marshal broadcast event for SSE")
				return true
			}
			sse.Encode(w, sse.Event{
				Event: envelope.Event,
				Data:  string(data),
			})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
