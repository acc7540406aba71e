package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// GetTURNConfig returns the ICE server list clients feed into their peer
// connection. The embedded TURN server doubles as STUN; TLS is not offered
// because the relay is UDP-only and media is protected by DTLS-SRTP.
func (h *Handlers) GetTURNConfig(c *gin.Context) {
	host := c.Request.Host
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}

	creds := h.turn.GetCredentials()
	stunURL := fmt.Sprintf("stun:%s:%d", host, h.turn.Port())
	turnURL := fmt.Sprintf("turn:%s:%d", host, h.turn.Port())

	c.JSON(http.StatusOK, gin.H{
		"iceServers": []gin.H{
			{"urls": stunURL},
			{
				"urls":       turnURL,
				"username":   creds.Username,
				"credential": creds.Password,
			},
		},
	})
}
