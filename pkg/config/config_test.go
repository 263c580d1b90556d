package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/illmade-knight/go-mq2db/pkg/config"
	"github.com/illmade-knight/go-mq2db/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestYAMLFile writes content to a temporary file and returns its path.
func createTestYAMLFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mq2db.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_SectionAndOrder(t *testing.T) {
	cfg, err := config.Load("testdata/mq2db.yaml", "services.mq2db")
	require.NoError(t, err)
	require.Len(t, cfg.Targets, 2)

	sensor := cfg.Targets[0]
	assert.Equal(t, "sensor", sensor.Name)
	assert.Equal(t, "sensor", sensor.Source.Name)
	assert.Equal(t, config.TransportZMQ, sensor.Source.Transport)
	assert.Equal(t, "sub", sensor.Source.Type)
	assert.Equal(t, "connect", sensor.Source.Method)
	assert.Equal(t, config.RecvString, sensor.Source.Recv.Method)
	assert.Equal(t, config.DefaultReceiveTimeout, sensor.Source.ReceiveTimeout.Std())
	assert.Equal(t, "builtin.csv", sensor.DecoderName())
	assert.Equal(t, []any{"time", "rssi", "payload"}, sensor.Loader.Args["header"])
	assert.Equal(t, []string{"time", "rssi", "payload"}, sensor.Database.Columns.Keys)
	assert.Equal(t, 90*time.Second, sensor.Database.Interval.Std())
	assert.Equal(t, config.DefaultFlushTimeout, sensor.Database.FlushTimeout.Std())
	assert.Nil(t, sensor.Database.PrimaryKey)
	require.NoError(t, sensor.Validate())

	gateway := cfg.Targets[1]
	assert.Equal(t, config.TransportMQTT, gateway.Source.Transport)
	assert.Equal(t, "builtin.mapping", gateway.DecoderName())
	assert.Equal(t, 250*time.Millisecond, gateway.Database.Interval.Std())
	assert.Equal(t, 10000, gateway.Database.MaxBuffer)
	require.NotNil(t, gateway.Database.PrimaryKey)
	assert.Empty(t, *gateway.Database.PrimaryKey)
	assert.Equal(t, 1, gateway.Source.Options["qos"])
	require.NoError(t, gateway.Validate())
}

func TestLoad_Errors(t *testing.T) {
	_, err := config.Load("testdata/does-not-exist.yaml", "")
	assert.Error(t, err)

	_, err = config.Load("testdata/mq2db.yaml", "services.missing")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = config.Load("testdata/mq2db.yaml", "")
	assert.ErrorIs(t, err, config.ErrInvalidConfig, "the root of the file has no targets")

	path := createTestYAMLFile(t, "targets: [not, a, mapping]\n")
	_, err = config.Load(path, "")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	path = createTestYAMLFile(t, "targets:\n  a:\n    address: x\n  a:\n    address: y\n")
	_, err = config.Load(path, "")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestTargetConfig_TableSpec(t *testing.T) {
	cfg, err := config.Parse([]byte(`
targets:
  sensor:
    address: tcp://127.0.0.1:5555
    database:
      url: sqlite:///sensor.db
      columns: {rssi: REAL, payload: TEXT}
      _datetime_: true
      _raw_: true
      unique: {uq_payload: [payload]}
      indices: {idx_rssi: [rssi]}
      insert_prefix: OR IGNORE
`), "")
	require.NoError(t, err)

	spec := cfg.Targets[0].TableSpec()
	assert.Equal(t, schema.TableSpec{
		Name:         "sensor",
		Columns:      []schema.Column{{Name: "rssi", Type: "REAL"}, {Name: "payload", Type: "TEXT"}},
		AutoDatetime: true,
		AutoRaw:      true,
		Unique:       []schema.Constraint{{Name: "uq_payload", Columns: []string{"payload"}}},
		Indexes:      []schema.Constraint{{Name: "idx_rssi", Columns: []string{"rssi"}}},
		InsertPrefix: "OR IGNORE",
	}, spec)
	assert.Equal(t, []string{"_datetime_"}, spec.EffectivePrimaryKey())
	assert.Equal(t, "builtin.json", cfg.Targets[0].DecoderName(), "raw bytes default to the json decoder")
	assert.Equal(t, "sensor: tcp://127.0.0.1:5555 (SUB, connect)", cfg.Targets[0].Summary())
}

func TestParse_UnknownKeys(t *testing.T) {
	testCases := []struct {
		name    string
		yaml    string
		message string
	}{
		{"target", "targets:\n  a:\n    adress: x\n", `unknown key "adress" in target`},
		{"database", "targets:\n  a:\n    database:\n      intervall: 1s\n", `unknown key "intervall" in database`},
		{"loader", "targets:\n  a:\n    loader:\n      class: csv\n      arg: {}\n", `unknown key "arg" in loader`},
		{"recv", "targets:\n  a:\n    recv:\n      mode: json\n", `unknown key "mode" in recv`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tc.yaml), "")
			require.Error(t, err)
			assert.ErrorIs(t, err, config.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tc.message)
		})
	}
}

func TestParse_LoaderKwargs(t *testing.T) {
	// Arrange
	doc := `
targets:
  a:
    address: tcp://127.0.0.1:5555
    loader:
      class: csv
      args: {delimiter: ";"}
      kwargs: {header: [time, rssi]}
    database: {url: "sqlite:///a.db"}
`
	// Act
	cfg, err := config.Parse([]byte(doc), "")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"delimiter": ";", "header": []any{"time", "rssi"}}, cfg.Targets[0].Loader.Args)
	assert.Nil(t, cfg.Targets[0].Loader.Kwargs)

	_, err = config.Parse([]byte("targets:\n  a:\n    loader:\n      args: {header: [a]}\n      kwargs: {header: [b]}\n"), "")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestDuration_Forms(t *testing.T) {
	cfg, err := config.Parse([]byte(`
targets:
  a:
    address: x
    receive_timeout: 0.5
    database:
      url: sqlite:///a.db
      interval: {days: 1, hours: 2, milliseconds: 500}
`), "")
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.Targets[0].Source.ReceiveTimeout.Std())
	assert.Equal(t, 26*time.Hour+500*time.Millisecond, cfg.Targets[0].Database.Interval.Std())

	_, err = config.Parse([]byte("targets:\n  a:\n    database:\n      interval: {fortnights: 1}\n"), "")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestTargetConfig_Validate(t *testing.T) {
	base := func() config.TargetConfig {
		cfg, err := config.Parse([]byte(`
targets:
  t:
    address: tcp://127.0.0.1:5555
    database: {url: "sqlite:///t.db"}
`), "")
		require.NoError(t, err)
		return cfg.Targets[0]
	}

	testCases := []struct {
		name   string
		mutate func(*config.TargetConfig)
	}{
		{"unknown transport", func(c *config.TargetConfig) { c.Source.Transport = "kafka" }},
		{"missing address", func(c *config.TargetConfig) { c.Source.Address = "" }},
		{"bad socket type", func(c *config.TargetConfig) { c.Source.Type = "xpub" }},
		{"bad method", func(c *config.TargetConfig) { c.Source.Method = "listen" }},
		{"bind on mqtt", func(c *config.TargetConfig) {
			c.Source.Transport, c.Source.Method, c.Source.Topic = config.TransportMQTT, "bind", "a/b"
		}},
		{"nats without subject", func(c *config.TargetConfig) { c.Source.Transport = config.TransportNATS }},
		{"pyobj receive", func(c *config.TargetConfig) { c.Source.Recv.Method = "pyobj" }},
		{"missing url", func(c *config.TargetConfig) { c.Database.URL = "" }},
		{"negative max buffer", func(c *config.TargetConfig) { c.Database.MaxBuffer = -1 }},
	}

	require.NoError(t, base().Validate())
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mutate(&c)
			assert.ErrorIs(t, c.Validate(), config.ErrInvalidConfig)
		})
	}
}
