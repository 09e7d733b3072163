package protocol

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
)

// UserID is "name@A.B.C.D". The IP is the peer's chosen outbound
// interface address and is part of the identity: the same name on a
// different IP is a different peer.

// ParseUserID splits a UserID into name and IPv4 address.
func ParseUserID(id string) (name string, ip string, err error) {
	name, ip, ok := strings.Cut(id, "@")
	if !ok || name == "" || ip == "" {
		return "", "", fmt.Errorf("%w: user id %q", ErrMalformedFrame, id)
	}
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return "", "", fmt.Errorf("%w: user id %q has no IPv4 host", ErrMalformedFrame, id)
	}
	return name, ip, nil
}

// FormatUserID builds a UserID from its parts.
func FormatUserID(name, ip string) string {
	return name + "@" + ip
}

// UserIDHost returns just the IP of a UserID, or "" when malformed.
func UserIDHost(id string) string {
	_, ip, err := ParseUserID(id)
	if err != nil {
		return ""
	}
	return ip
}

// NewMessageID returns a short random identifier, eight hex characters.
// Collisions across the dedupe window are unlikely at LAN message rates.
func NewMessageID() string {
	u := uuid.New()
	return fmt.Sprintf("%x", u[:4])
}

// ChunkMessageID builds the composite MESSAGE_ID used by FILE_DATA
// frames and their ACKs.
func ChunkMessageID(transferID string, index int) string {
	return fmt.Sprintf("%s:%d", transferID, index)
}
