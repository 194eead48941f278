package games

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// ValveAdapter queries Source engine servers with the A2S_INFO and
// A2S_PLAYER queries, handling the challenge handshake.
type ValveAdapter struct {
	timeout time.Duration
}

// NewValveAdapter creates the Valve/Source adapter.
func NewValveAdapter() *ValveAdapter {
	return &ValveAdapter{timeout: 5 * time.Second}
}

func (a *ValveAdapter) Describe() Config {
	return Config{
		DisplayName: "Source Dedicated Server",
		ImageRef:    "cm2network/csgo:latest",
		DefaultPort: 27015,
		MinRAM:      "1g",
		MinCPU:      "1.0",
		Protocol:    "udp",
		Description: "Valve Source engine dedicated server",
	}
}

var a2sInfoRequest = append([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x54}, []byte("Source Engine Query\x00")...)

func (a *ValveAdapter) Query(ctx context.Context, host string, port int) (PlayerInfo, error) {
	d := net.Dialer{Timeout: a.timeout}
	conn, err := d.DialContext(ctx, "udp", net.JoinHostPort(host, itoa(port)))
	if err != nil {
		return PlayerInfo{}, fmt.Errorf("dialing %s:%d/udp: %w", host, port, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(a.timeout))

	resp, err := a.exchange(conn, a2sInfoRequest, 0x49)
	if err != nil {
		return PlayerInfo{}, fmt.Errorf("A2S_INFO: %w", err)
	}

	info, err := parseA2SInfo(resp)
	if err != nil {
		return PlayerInfo{}, err
	}

	// Player names are best-effort; the counts stand on their own.
	if names, err := a.queryPlayers(conn); err == nil {
		info.Players = names
	}
	return info, nil
}

// exchange sends a request, transparently answering a challenge reply
// (type 0x41) by re-sending with the challenge appended.
func (a *ValveAdapter) exchange(conn net.Conn, request []byte, wantType byte) ([]byte, error) {
	req := request
	for attempt := 0; attempt < 2; attempt++ {
		if _, err := conn.Write(req); err != nil {
			return nil, err
		}
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil {
			return nil, err
		}
		if n < 5 || !bytes.Equal(buf[:4], []byte{0xFF, 0xFF, 0xFF, 0xFF}) {
			return nil, fmt.Errorf("malformed response")
		}
		switch buf[4] {
		case wantType:
			return buf[5:n], nil
		case 0x41: // challenge
			if n < 9 {
				return nil, fmt.Errorf("short challenge")
			}
			// A2S_PLAYER carries a challenge placeholder that gets
			// replaced; A2S_INFO appends the challenge instead.
			if request[4] == 0x55 {
				req = append(append([]byte{}, request[:5]...), buf[5:9]...)
			} else {
				req = append(append([]byte{}, request...), buf[5:9]...)
			}
		default:
			return nil, fmt.Errorf("unexpected response type 0x%02X", buf[4])
		}
	}
	return nil, fmt.Errorf("challenge loop did not converge")
}

// parseA2SInfo extracts the player counts from an A2S_INFO payload.
func parseA2SInfo(payload []byte) (PlayerInfo, error) {
	r := bytes.NewBuffer(payload)

	if _, err := r.ReadByte(); err != nil { // protocol
		return PlayerInfo{}, fmt.Errorf("truncated A2S_INFO")
	}
	for i := 0; i < 4; i++ { // name, map, folder, game
		if _, err := r.ReadString(0); err != nil {
			return PlayerInfo{}, fmt.Errorf("truncated A2S_INFO strings")
		}
	}
	var appID uint16
	if err := binary.Read(r, binary.LittleEndian, &appID); err != nil {
		return PlayerInfo{}, fmt.Errorf("truncated A2S_INFO app id")
	}
	players, err := r.ReadByte()
	if err != nil {
		return PlayerInfo{}, fmt.Errorf("truncated A2S_INFO players")
	}
	maxPlayers, err := r.ReadByte()
	if err != nil {
		return PlayerInfo{}, fmt.Errorf("truncated A2S_INFO max players")
	}

	return PlayerInfo{
		Online:  true,
		Current: int(players),
		Max:     int(maxPlayers),
	}, nil
}

// queryPlayers runs A2S_PLAYER for the player name list.
func (a *ValveAdapter) queryPlayers(conn net.Conn) ([]string, error) {
	request := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x55, 0xFF, 0xFF, 0xFF, 0xFF}
	resp, err := a.exchange(conn, request, 0x44)
	if err != nil {
		return nil, err
	}

	r := bytes.NewBuffer(resp)
	count, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, count)
	for i := 0; i < int(count); i++ {
		if _, err := r.ReadByte(); err != nil { // index
			break
		}
		name, err := r.ReadString(0)
		if err != nil {
			break
		}
		names = append(names, name[:len(name)-1])
		var score int32
		var duration float32
		if err := binary.Read(r, binary.LittleEndian, &score); err != nil {
			break
		}
		if err := binary.Read(r, binary.LittleEndian, &duration); err != nil {
			break
		}
	}
	return names, nil
}

func (a *ValveAdapter) SelfTest(ctx context.Context) Report {
	return Report{
		Success: true,
		Message: "valve adapter healthy",
		Details: map[string]string{"query": "A2S_INFO / A2S_PLAYER"},
	}
}
