package games

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := Default()

	assert.Equal(t, []string{"factorio", "minecraft_java", "terraria", "valve"}, r.IDs())

	a, err := r.Get("minecraft_java")
	require.NoError(t, err)
	assert.Equal(t, "tcp", a.Describe().Protocol)

	_, err = r.Get("doom")
	assert.Error(t, err)
}

// fakeMinecraftServer answers a single server-list-ping exchange.
func fakeMinecraftServer(t *testing.T, online, max int, names []string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		// Consume handshake + status request frames.
		for i := 0; i < 2; i++ {
			if _, err := readFrame(conn); err != nil {
				return
			}
		}

		status := map[string]any{
			"players": map[string]any{
				"online": online,
				"max":    max,
				"sample": func() []map[string]string {
					var s []map[string]string
					for _, n := range names {
						s = append(s, map[string]string{"name": n})
					}
					return s
				}(),
			},
		}
		body, _ := json.Marshal(status)

		var payload bytes.Buffer
		writeVarInt(&payload, 0x00)
		writeVarInt(&payload, len(body))
		payload.Write(body)
		writeFrame(conn, payload.Bytes())
	}()

	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestMinecraftQuery(t *testing.T) {
	ln := fakeMinecraftServer(t, 3, 20, []string{"alice", "bob"})
	port := ln.Addr().(*net.TCPAddr).Port

	a := NewMinecraftAdapter()
	info, err := a.Query(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)

	assert.True(t, info.Online)
	assert.Equal(t, 3, info.Current)
	assert.Equal(t, 20, info.Max)
	assert.Equal(t, []string{"alice", "bob"}, info.Players)
}

func TestMinecraftQueryUnreachable(t *testing.T) {
	a := NewMinecraftAdapter()
	a.timeout = 200 * time.Millisecond
	_, err := a.Query(context.Background(), "127.0.0.1", 1)
	assert.Error(t, err)
}

func TestVarIntRoundTrip(t *testing.T) {
	for _, v := range []int{0, 1, 127, 128, 300, 25565, 1 << 20, -1} {
		var buf bytes.Buffer
		writeVarInt(&buf, v)
		got, err := readVarInt(&buf)
		require.NoError(t, err)
		assert.Equal(t, v, got, "value %d", v)
	}
}

func TestParseA2SInfo(t *testing.T) {
	var payload bytes.Buffer
	payload.WriteByte(17) // protocol
	for _, s := range []string{"srv", "de_dust2", "csgo", "Counter-Strike"} {
		payload.WriteString(s)
		payload.WriteByte(0)
	}
	binary.Write(&payload, binary.LittleEndian, uint16(730)) // app id
	payload.WriteByte(12)                                    // players
	payload.WriteByte(24)                                    // max players

	info, err := parseA2SInfo(payload.Bytes())
	require.NoError(t, err)
	assert.True(t, info.Online)
	assert.Equal(t, 12, info.Current)
	assert.Equal(t, 24, info.Max)
}

func TestParseA2SInfoTruncated(t *testing.T) {
	_, err := parseA2SInfo([]byte{17, 'x'})
	assert.Error(t, err)
}

func TestParsePlayersOutput(t *testing.T) {
	body := "Online players (2):\n  alice (online)\n  bob (online)\n"
	info, err := parsePlayersOutput(body)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Current)
	assert.Equal(t, []string{"alice", "bob"}, info.Players)

	// Unexpected output degrades to online-with-no-count.
	info, err = parsePlayersOutput("something else entirely")
	require.NoError(t, err)
	assert.True(t, info.Online)
	assert.Zero(t, info.Current)
}

func TestTerrariaQueryReportsOnline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	a := NewTerrariaAdapter()
	info, err := a.Query(context.Background(), "127.0.0.1", ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, err)

	// TShock gives no player counts without RCON: online status only.
	assert.True(t, info.Online)
	assert.Zero(t, info.Current)
	assert.Equal(t, 8, info.Max)
}

func TestTerrariaQueryUnreachable(t *testing.T) {
	a := NewTerrariaAdapter()
	a.timeout = 200 * time.Millisecond
	_, err := a.Query(context.Background(), "127.0.0.1", 1)
	assert.Error(t, err)
}

func TestAdapterSelfTests(t *testing.T) {
	for _, id := range Default().IDs() {
		a, err := Default().Get(id)
		require.NoError(t, err)
		report := a.SelfTest(context.Background())
		assert.True(t, report.Success, "adapter %s", id)
		assert.NotEmpty(t, report.Message)
	}
}
