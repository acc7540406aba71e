// Package turn runs the embedded relay clients fall back to when a direct
// media path cannot be established. With the media server unreachable this
// relay is what keeps emergency-mode calls connectable.
package turn

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/turn/v3"
)

type Server struct {
	server   *turn.Server
	port     int
	username string
	password string
	log      *slog.Logger
}

type Credentials struct {
	Username string
	Password string
}

// Start brings up the UDP TURN listener. publicIP is the relay address
// announced to clients; when empty it is derived from the default route.
func Start(port int, realm, publicIP string, logger *slog.Logger) (*Server, error) {
	udpListener, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("turn listener: %w", err)
	}

	relayIP := net.ParseIP(publicIP)
	if relayIP == nil {
		relayIP = localIP(logger)
	}

	creds := Credentials{
		Username: "duocall",
		Password: generatePassword(),
	}

	s, err := turn.NewServer(turn.ServerConfig{
		Realm:       realm,
		AuthHandler: staticAuthHandler(creds.Username, realm, creds.Password),
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		udpListener.Close()
		return nil, fmt.Errorf("turn server: %w", err)
	}

	logger.Info("turn server started", "port", port, "relay_ip", relayIP.String())
	return &Server{
		server:   s,
		port:     port,
		username: creds.Username,
		password: creds.Password,
		log:      logger,
	}, nil
}

func (s *Server) Port() int { return s.port }

// GetCredentials returns what clients put in their RTCIceServer entry.
func (s *Server) GetCredentials() Credentials {
	return Credentials{Username: s.username, Password: s.password}
}

func (s *Server) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func staticAuthHandler(username, realm, password string) turn.AuthHandler {
	key := turn.GenerateAuthKey(username, realm, password)
	return func(got string, _ string, _ net.Addr) ([]byte, bool) {
		if got == username {
			return key, true
		}
		return nil, false
	}
}

func generatePassword() string {
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}

// localIP finds the address of the default route. The relay address must
// be reachable from outside; 127.0.0.1 only ever works in development.
func localIP(logger *slog.Logger) net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		logger.Warn("could not determine local ip, relaying on loopback", "error", err)
		return net.ParseIP("127.0.0.1")
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}
