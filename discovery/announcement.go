package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/cyberinferno/go-linenet/transport"
)

// ProbeMessage is the payload clients broadcast to find servers.
const ProbeMessage = "discover"

// Announcement is a server's answer to a probe: who it is and where its TCP
// listener can be reached.
type Announcement struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// NewAnnouncement creates an announcement with a fresh random instance id.
//
// Parameters:
//   - name: Human readable server name
//   - address: The host:port clients should connect to
func NewAnnouncement(name, address string) Announcement {
	return Announcement{
		ID:      uuid.NewString(),
		Name:    name,
		Address: address,
	}
}

// Encode returns the single-line JSON form of a.
func (a Announcement) Encode() (string, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode announcement: %w", err)
	}

	return string(data), nil
}

// DecodeAnnouncement parses a reply produced by Encode.
//
// Returns:
//   - The announcement
//   - An error if text is not JSON, or the id or address is missing or invalid
func DecodeAnnouncement(text string) (Announcement, error) {
	var a Announcement
	if err := json.Unmarshal([]byte(text), &a); err != nil {
		return Announcement{}, fmt.Errorf("decode announcement: %w", err)
	}

	if _, err := uuid.Parse(a.ID); err != nil {
		return Announcement{}, fmt.Errorf("decode announcement: invalid id: %w", err)
	}

	if a.Address == "" {
		return Announcement{}, errors.New("decode announcement: missing address")
	}

	if _, err := a.Endpoint(); err != nil {
		return Announcement{}, fmt.Errorf("decode announcement: %w", err)
	}

	return a, nil
}

// Endpoint parses Address.
func (a Announcement) Endpoint() (transport.Endpoint, error) {
	return transport.ParseEndpoint(a.Address)
}

// AdvertisedAddress picks the address to announce for a listener. When the
// listener is bound to an unspecified host, host is used instead.
func AdvertisedAddress(listener net.Addr, host string) string {
	tcp, ok := listener.(*net.TCPAddr)
	if !ok {
		return listener.String()
	}

	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		return net.JoinHostPort(host, fmt.Sprint(tcp.Port))
	}

	return tcp.String()
}
