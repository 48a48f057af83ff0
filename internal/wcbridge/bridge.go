package wcbridge

import (
	"fmt"
	"math/rand"
	"net/url"
	"strings"
)

const alphanumerical = "abcdefghijklmnopqrstuvwxyz0123456789"

// RandomBridgeURL fills a "%v" placeholder in format with a random shard letter, e.g.
// "https://wallet-connect-%v.perawallet.app". Formats without a placeholder are returned as is.
func RandomBridgeURL(format string) string {
	if !strings.Contains(format, "%v") {
		return format
	}
	c := alphanumerical[rand.Intn(len(alphanumerical))]
	return fmt.Sprintf(format, string(c))
}

// WebSocketURL converts a bridge URL to its websocket endpoint.
func WebSocketURL(bridgeURL, protocol, version string) string {
	switch {
	case strings.HasPrefix(bridgeURL, "https"):
		bridgeURL = strings.Replace(bridgeURL, "https", "wss", 1)
	case strings.HasPrefix(bridgeURL, "http"):
		bridgeURL = strings.Replace(bridgeURL, "http", "ws", 1)
	}
	return bridgeURL + "?protocol=" + protocol + "&version=" + version + "&env=go"
}

// URI is the pairing link encoded in the QR code.
func URI(handshakeTopic, bridgeURL string, key []byte) string {
	return fmt.Sprintf("wc:%s@1?bridge=%s&key=%x", handshakeTopic, url.QueryEscape(bridgeURL), key)
}
