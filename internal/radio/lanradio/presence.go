package lanradio

import (
	"encoding/json"
	"net"
	"time"

	"go.uber.org/zap"
)

// MessageType identifies the presence message type
type MessageType string

const (
	// MessageTypeAnnounce is sent periodically while discoverable
	MessageTypeAnnounce MessageType = "ANNOUNCE"
	// MessageTypeLeave is sent when gracefully shutting down
	MessageTypeLeave MessageType = "LEAVE"
)

// PresenceMessage is the UDP broadcast payload (JSON encoded)
type PresenceMessage struct {
	Type      MessageType `json:"type"`
	Version   uint8       `json:"version"`
	Timestamp int64       `json:"ts"`
	Device    Device      `json:"device"`
}

// Device describes an emulated radio peer
type Device struct {
	// Address is the peer's radio address (host:port of its session port)
	Address string `json:"address"`
	Name    string `json:"name"`
}

// MaxPresenceSize is the maximum UDP payload size (stay under MTU)
const MaxPresenceSize = 1024

// listenLoop receives presence broadcasts from other devices
func (a *Adapter) listenLoop() {
	defer a.wg.Done()

	buf := make([]byte, MaxPresenceSize)
	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		// Set read deadline to allow periodic ctx check
		a.udp.SetReadDeadline(time.Now().Add(1 * time.Second))

		n, from, err := a.udp.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if a.ctx.Err() != nil {
				return
			}
			a.logger.Warn("Presence read error", zap.Error(err))
			continue
		}

		var msg PresenceMessage
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			a.logger.Debug("Invalid presence message", zap.Stringer("from", from), zap.Error(err))
			continue
		}

		// Ignore our own broadcasts
		if msg.Device.Address == a.cfg.Address {
			continue
		}

		a.handlePresence(&msg)
	}
}

// handlePresence processes a received presence message
func (a *Adapter) handlePresence(msg *PresenceMessage) {
	switch msg.Type {
	case MessageTypeAnnounce:
		a.mu.Lock()
		_, known := a.lastSeen[msg.Device.Address]
		a.lastSeen[msg.Device.Address] = time.Now()
		a.mu.Unlock()

		if !known {
			a.logger.Info("Peer in range",
				zap.String("peer", msg.Device.Address),
				zap.String("name", msg.Device.Name))
		}

	case MessageTypeLeave:
		a.mu.Lock()
		delete(a.lastSeen, msg.Device.Address)
		a.mu.Unlock()

		a.logger.Info("Peer left", zap.String("peer", msg.Device.Address))
	}
}

// announceLoop periodically broadcasts our presence while discoverable
func (a *Adapter) announceLoop() {
	defer a.wg.Done()

	a.broadcast(MessageTypeAnnounce)

	ticker := time.NewTicker(a.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.broadcast(MessageTypeAnnounce)
		}
	}
}

// broadcast sends a presence message to the LAN and to every seed peer
func (a *Adapter) broadcast(msgType MessageType) {
	msg := PresenceMessage{
		Type:      msgType,
		Version:   1,
		Timestamp: time.Now().UnixMilli(),
		Device:    Device{Address: a.cfg.Address, Name: a.cfg.Name},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		a.logger.Error("Failed to marshal presence message", zap.Error(err))
		return
	}

	bcast := &net.UDPAddr{IP: net.IPv4bcast, Port: a.cfg.PresencePort}
	if _, err := a.udp.WriteToUDP(data, bcast); err != nil {
		// Broadcast failures are common on some networks
		if a.ctx.Err() == nil {
			a.logger.Debug("Presence broadcast failed", zap.Error(err))
		}
	}

	for _, seed := range a.seedUDP {
		if _, err := a.udp.WriteToUDP(data, seed); err != nil && a.ctx.Err() == nil {
			a.logger.Debug("Presence send to seed failed", zap.Stringer("seed", seed), zap.Error(err))
		}
	}
}

// cleanupLoop forgets peers that stopped announcing
func (a *Adapter) cleanupLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.StaleTimeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.purgeStale()
		}
	}
}

// purgeStale removes peers not seen for StaleTimeout
func (a *Adapter) purgeStale() {
	threshold := time.Now().Add(-a.cfg.StaleTimeout)

	a.mu.Lock()
	defer a.mu.Unlock()

	for addr, seen := range a.lastSeen {
		if seen.Before(threshold) {
			delete(a.lastSeen, addr)
			a.logger.Info("Peer out of range", zap.String("peer", addr),
				zap.Duration("silence", a.cfg.StaleTimeout))
		}
	}
}
