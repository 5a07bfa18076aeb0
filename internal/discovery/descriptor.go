// Package discovery advertises hosted rooms on the local network with UDP
// broadcast datagrams and tracks the rooms advertised by other hosts.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Default timings. A room survives three missed broadcasts before it expires.
const (
	DefaultInterval         = 2 * time.Second
	DefaultExpiry           = 8 * time.Second
	DefaultFailureThreshold = 5
)

// ErrInvalidDescriptor is returned for datagrams that do not describe a room.
var ErrInvalidDescriptor = errors.New("discovery: invalid room descriptor")

// Descriptor advertises one hosted room.
type Descriptor struct {
	RoomID         string `json:"roomId"`
	RoomName       string `json:"roomName"`
	HostName       string `json:"hostName"`
	HostIP         string `json:"hostIP"`
	Port           int    `json:"port"`
	MaxPlayers     int    `json:"maxPlayers"`
	CurrentPlayers int    `json:"currentPlayers"`
	GameType       string `json:"gameType"`
	// Timestamp is the sender's clock in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// Validate checks the descriptor shape.
//
// Postcondition: Returns nil or an error wrapping ErrInvalidDescriptor.
func (d Descriptor) Validate() error {
	switch {
	case d.RoomID == "":
		return fmt.Errorf("%w: missing roomId", ErrInvalidDescriptor)
	case d.Port < 1 || d.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidDescriptor, d.Port)
	case d.MaxPlayers < 1:
		return fmt.Errorf("%w: maxPlayers must be positive", ErrInvalidDescriptor)
	case d.CurrentPlayers < 0 || d.CurrentPlayers > d.MaxPlayers:
		return fmt.Errorf("%w: currentPlayers %d outside [0,%d]", ErrInvalidDescriptor, d.CurrentPlayers, d.MaxPlayers)
	}
	return nil
}

// Full reports whether the room has no free seats.
func (d Descriptor) Full() bool {
	return d.CurrentPlayers >= d.MaxPlayers
}

// Addr returns the "host:port" stream address of the advertising host.
func (d Descriptor) Addr() string {
	return fmt.Sprintf("%s:%d", d.HostIP, d.Port)
}

// ParseDescriptor decodes and validates one datagram.
func ParseDescriptor(b []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}
