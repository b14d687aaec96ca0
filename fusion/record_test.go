package fusion

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// browserDocument is a configuration saved by the browser client, with the port stored as text.
const browserDocument = `{
  "motes": [
    {"mac": "aa:bb:cc:dd:ee:01", "position": {"x": 120, "y": 80}, "floor": 0},
    {"mac": "AA:BB:CC:DD:EE:02", "position": null, "floor": 1},
    {"mac": "AA:BB:CC:DD:EE:03"}
  ],
  "rssiParams": {"rssiAt1m": -61, "pathLoss": 2.2},
  "mqtt": {"broker": "sink", "port": "8883", "protocol": "wss"}
}`

func TestDecodeRecord_BrowserDocument(t *testing.T) {
	t.Parallel()
	rec, err := DecodeRecord(strings.NewReader(browserDocument))
	require.NoError(t, err)

	require.Len(t, rec.Anchors, 3)
	pt, ok := rec.Anchors[0].Position.Point()
	require.True(t, ok)
	assert.Equal(t, Point{X: 120, Y: 80}, pt)
	assert.False(t, rec.Anchors[1].Position.Placed())
	assert.Equal(t, 1, rec.Anchors[1].Floor)
	assert.Equal(t, 0, rec.Anchors[2].Floor)

	assert.Equal(t, PathLoss{RSSIAt1m: -61, Exponent: 2.2}, rec.Params.Resolve())
	require.NotNil(t, rec.Broker)
	assert.Equal(t, Port(8883), rec.Broker.Port)
	assert.Equal(t, "wss://sink:8883", rec.Broker.URL())
}

func TestDecodeRecord_Partial(t *testing.T) {
	t.Parallel()
	rec, err := DecodeRecord(strings.NewReader(`{"rssiParams": {"pathLoss": 3}}`))
	require.NoError(t, err)
	assert.Empty(t, rec.Anchors)
	assert.Nil(t, rec.Broker)
	assert.Equal(t, PathLoss{RSSIAt1m: DefaultRSSIAt1m, Exponent: 3}, rec.Params.Resolve())

	var none *ParamsRecord
	assert.Equal(t, DefaultPathLossModel(), none.Resolve())

	_, err = DecodeRecord(strings.NewReader(`{"mqtt": {"port": "tls"}}`))
	assert.Error(t, err)
}

func TestRecord_EncodeRoundTrip(t *testing.T) {
	t.Parallel()
	in, err := DecodeRecord(strings.NewReader(browserDocument))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, in.Encode(&buf))
	assert.Contains(t, buf.String(), `"port": 8883`)

	out, err := DecodeRecord(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestBrokerRecord_URLDefaults(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "wss://broker.local", BrokerRecord{Broker: "broker.local"}.URL())
	assert.Equal(t, "tcp://10.0.0.2:1883", BrokerRecord{Broker: "10.0.0.2", Port: 1883, Protocol: "tcp"}.URL())
}
