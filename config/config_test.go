package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locate-go/fusion"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "locate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, fusion.DefaultPathLossModel(), cfg.PathLoss())
	assert.Equal(t, []string{"ISIS 10A", "ISIS R+1"}, cfg.Engine.Floors)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, `
log_level: debug
mqtt:
  broker: tcp://broker.local:1883
  qos: 1
nats:
  url: nats://127.0.0.1:4222
  position_prefix: locate
engine:
  solver: least_squares
  staleness: 3s
  path_loss: 3.1
  floors: [Ground, First, Second]
udp:
  addr: ":5005"
display:
  header: site1
  udp: ["10.0.0.5:9000"]
  tcp: ["10.0.0.6:9001", "10.0.0.7:9001"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "tcp://broker.local:1883", cfg.MQTT.Broker)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, "ble_localization_", cfg.MQTT.ClientPrefix, "unset fields keep defaults")
	assert.Equal(t, "locate", cfg.NATS.PositionPrefix)
	assert.Equal(t, fusion.SolverLeastSquares, cfg.Engine.Solver)
	assert.Equal(t, 3*time.Second, cfg.Engine.Staleness)
	assert.Equal(t, fusion.InactivityTimeout, cfg.Engine.Inactivity)
	assert.Equal(t, 3.1, cfg.Engine.PathLoss)
	assert.Len(t, cfg.Engine.Floors, 3)
	assert.Equal(t, ":5005", cfg.UDP.Addr)
	assert.Equal(t, DisplayConfig{Header: "site1", UDP: []string{"10.0.0.5:9000"}, TCP: []string{"10.0.0.6:9001", "10.0.0.7:9001"}}, cfg.Display)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "http:\n  addr: \":9000\"\n")
	t.Setenv("LOCATE_HTTP_ADDR", ":7000")
	t.Setenv("LOCATE_MQTT_BROKER", "ws://sink:8883")
	t.Setenv("LOCATE_STALENESS", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, "ws://sink:8883", cfg.MQTT.Broker)
	assert.Equal(t, 2*time.Second, cfg.Engine.Staleness)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "engine: [not, a, map]"))
	assert.Error(t, err)

	t.Setenv("LOCATE_STALENESS", "soon")
	_, err = Load("")
	assert.ErrorContains(t, err, "LOCATE_STALENESS")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Engine.Solver = "kalman"
	cfg.Engine.Staleness = 0
	cfg.Engine.PathLoss = 0
	cfg.Engine.Floors = nil
	cfg.Topic.Middle = "ble/x"
	cfg.MQTT.QoS = 3

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"kalman", "staleness", "pathLoss", "floors", "topic.middle", "qos"} {
		assert.ErrorContains(t, err, want)
	}
	assert.ErrorIs(t, err, fusion.ErrInvalidParams)
}
