package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/hellojam/internal/collab"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	c, err := LoadFromEnv()
	require.NoError(t, err)
	require.Equal(t, DesignMesh, c.Session.Design)
	require.Equal(t, collab.DefaultLobbyID, c.Session.LobbyID)
	require.Equal(t, PresenceMemory, c.Presence.Kind)
	require.Equal(t, ":9000", c.Broker.Addr)
	require.Equal(t, collab.DefaultTimings(), c.Timings())
	require.Equal(t, 15*time.Second, c.PresenceTTL())
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	p := writeYAML(t, `
session:
  design: crdt
  lobby_id: jam1
  election_timeout: 250ms
  max_election_rounds: 3
presence:
  kind: redis
  redis:
    addr: localhost:6379
    db: 2
transport:
  broker_url: ws://localhost:9000/ws
`)
	t.Setenv("SESSION_LOBBY_ID", "jam2")
	t.Setenv("SESSION_CONNECT_TIMEOUT", "3s")
	t.Setenv("SESSION_SYNC_DELAY", "no-es-duracion")

	c, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, DesignCRDT, c.Session.Design)
	require.Equal(t, "jam2", c.Session.LobbyID)
	require.Equal(t, 2, c.Presence.Redis.DB)
	require.Equal(t, "hellojam", c.Presence.Redis.Prefix)
	require.Equal(t, "ws://localhost:9000/ws", c.Transport.BrokerURL)

	tm := c.Timings()
	require.Equal(t, 250*time.Millisecond, tm.ElectionTimeout)
	require.Equal(t, 3*time.Second, tm.ConnectTimeout)
	require.Equal(t, collab.DefaultTimings().SyncDelay, tm.SyncDelay)
	require.Equal(t, 3, tm.MaxElectionRounds)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"bad design":         "session:\n  design: gossip\n",
		"redis without addr": "presence:\n  kind: redis\n",
		"bad kind":           "presence:\n  kind: etcd\n",
		"bad duration":       "session:\n  election_timeout: soon\n",
		"zero duration":      "presence:\n  ttl: 0s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeYAML(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
