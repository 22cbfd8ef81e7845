package pandabreath

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// wsPath is the device's WebSocket endpoint.
const wsPath = "/ws"

// wsKeySize is the number of random bytes in Sec-WebSocket-Key.
const wsKeySize = 16

// newWebSocketKey returns a base64-encoded random 16-byte nonce.
func newWebSocketKey() (string, error) {
	var nonce [wsKeySize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generating websocket key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(nonce[:]), nil
}

// buildUpgradeRequest renders the HTTP/1.1 Upgrade request for ws://host:port/ws.
func buildUpgradeRequest(host string, port int, key string) []byte {
	var b strings.Builder
	b.WriteString("GET " + wsPath + " HTTP/1.1\r\n")
	b.WriteString("Host: " + net.JoinHostPort(host, strconv.Itoa(port)) + "\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Key: " + key + "\r\n")
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	b.WriteString("\r\n")
	return []byte(b.String())
}

// readUpgradeResponse consumes the response head from br and checks for
// 101 Switching Protocols. Any bytes the server sent after the head stay
// buffered in br for the frame reader.
func readUpgradeResponse(br *bufio.Reader) error {
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		return fmt.Errorf("%w: reading response: %w", ErrHandshakeFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return fmt.Errorf("%w: status %q", ErrHandshakeFailed, resp.Status)
	}
	return nil
}
