package mythtv

import (
	"bytes"
	"context"
	"fmt"
	"net"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
)

// DefaultWakeBroadcast is where magic packets go when no address is set.
const DefaultWakeBroadcast = "255.255.255.255:9"

// WakeOnLAN sends magic packets to wake a sleeping backend.
type WakeOnLAN struct {
	mac       net.HardwareAddr
	broadcast string
}

// NewWakeOnLAN parses mac and returns a sender for broadcast (host:port).
func NewWakeOnLAN(mac, broadcast string) (*WakeOnLAN, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) != 6 {
		return nil, fmt.Errorf("wake-on-lan address %q: %w", mac, domain.ErrInvalidArgument)
	}
	if broadcast == "" {
		broadcast = DefaultWakeBroadcast
	}
	return &WakeOnLAN{mac: hw, broadcast: broadcast}, nil
}

// MagicPacket builds the 102-byte payload: six 0xFF bytes followed by the
// hardware address repeated sixteen times.
func MagicPacket(mac net.HardwareAddr) []byte {
	pkt := bytes.Repeat([]byte{0xff}, 6)
	return append(pkt, bytes.Repeat(mac, 16)...)
}

// Send broadcasts one magic packet.
func (w *WakeOnLAN) Send(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", w.broadcast)
	if err != nil {
		return fmt.Errorf("wake-on-lan: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write(MagicPacket(w.mac)); err != nil {
		return fmt.Errorf("wake-on-lan: %w", err)
	}
	return nil
}
