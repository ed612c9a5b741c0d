package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	graphops "github.com/soundprediction/go-graphops"
	"github.com/soundprediction/go-graphops/pkg/server/dto"
	"github.com/soundprediction/go-graphops/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

const wsWriteTimeout = 10 * time.Second

// WSHandler streams task status updates for one scope over a websocket
type WSHandler struct {
	graphops graphops.GraphOps
}

// NewWSHandler creates a new websocket handler
func NewWSHandler(g graphops.GraphOps) *WSHandler {
	return &WSHandler{
		graphops: g,
	}
}

// Stream handles GET /ws/tasks?tenant_id=...&project_id=...
// Every status update for the scope is pushed as one JSON message. Slow
// readers may miss intermediate progress ticks but always receive the
// terminal update.
func (h *WSHandler) Stream(c *gin.Context) {
	scope := types.Scope{
		TenantID:  c.Query("tenant_id"),
		ProjectID: c.Query("project_id"),
	}
	if err := scope.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error response.
		return
	}
	defer ws.Close()

	sub := h.graphops.Subscribe(scope)
	defer sub.Close()

	// Drain the read side so client close frames are noticed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			return
		case update, ok := <-sub.Updates():
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteJSON(update); err != nil {
				return
			}
		}
	}
}
