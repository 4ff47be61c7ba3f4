package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./letterbox.db
delivery:
  rate_per_sec: 1
  backoff_base: 5s
scheduler:
  enabled: true
  timezone: UTC
broadcast:
  batch_size: 1
  batch_pause: 1s
  test_recipients:
    - email: ops@example.com
      name: Ops
mail:
  transport: log
  from: letters@example.com
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("letterbox.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "5s", cfg.Delivery.BackoffBase)
	require.Len(t, cfg.Broadcast.TestRecipients, 1)
	assert.Equal(t, "ops@example.com", cfg.Broadcast.TestRecipients[0].Email)
	assert.Nil(t, cfg.Notifier)
	require.NoError(t, Validate(cfg))
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
		data string
	}{
		{"unknown yaml key", "c.yaml", "storage:\n  drvier: sqlite\n"},
		{"unknown json key", "c.json", `{"nope": 1}`},
		{"trailing json", "c.json", `{} {}`},
		{"bad yaml", "c.yml", "logging: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.path, []byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"zero value is valid", func(c *Config) {}, ""},
		{"bad driver", func(c *Config) { c.Storage.Driver = "mysql" }, "storage.driver"},
		{"bad duration", func(c *Config) { c.Delivery.BackoffBase = "soon" }, "delivery.backoff_base"},
		{"negative duration", func(c *Config) { c.Engine.Lease = "-1s" }, "engine.lease"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"negative batch", func(c *Config) { c.Broadcast.BatchSize = -1 }, "broadcast.batch_size"},
		{"smtp needs host", func(c *Config) { c.Mail.Transport = "smtp"; c.Mail.From = "a@b.c" }, "mail.host"},
		{"alert needs chat", func(c *Config) { c.Logging.Alert.Enabled = true }, "chat_id"},
		{"bad test recipient", func(c *Config) {
			c.Broadcast.TestRecipients = []RecipientConfig{{Email: "nobody"}}
		}, "test_recipients[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var cfg Config
			tt.mutate(&cfg)
			err := Validate(&cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{}
	newCfg := &Config{}
	newCfg.Broadcast.BatchSize = 5
	newCfg.Storage.Driver = "postgres"

	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"broadcast", "storage"}, changed)
	assert.Equal(t, []string{"storage"}, restart)
	assert.NotEmpty(t, attrs)

	changed, _, _ = SummarizeConfigChange(oldCfg, &Config{Notifier: ptr(DefaultNotifier())})
	assert.Empty(t, changed, "explicit defaults equal an omitted section")
}

func TestLoadSecretsFrom(t *testing.T) {
	t.Parallel()

	s, err := LoadSecretsFrom(map[string]string{
		"LETTERBOX_ENCRYPTION_KEY": "0123456789abcdef0123456789abcdef",
		"LETTERBOX_ADMIN_TOKEN":    "t0k",
	})
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", s.EncryptionKey)
	assert.Equal(t, "t0k", s.AdminToken)
	assert.Empty(t, s.SMTPPassword)
}

func TestManagerReloadPublishes(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "letterbox.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	m := NewConfigManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// unchanged content is not republished
	m.reload(context.Background())
	select {
	case <-sub:
		t.Fatal("unexpected publish for unchanged config")
	default:
	}

	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"engine:\n  poll_interval: 2s\n"), 0o644))
	m.reload(context.Background())
	select {
	case got := <-sub:
		assert.Equal(t, "2s", got.Engine.PollInterval)
	case <-time.After(time.Second):
		t.Fatal("config not published")
	}

	// invalid content is rejected and the committed config is kept
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: oracle\n"), 0o644))
	m.reload(context.Background())
	assert.Equal(t, "2s", m.Get().Engine.PollInterval)
}

func ptr[T any](v T) *T { return &v }

func TestExampleConfigIsValid(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(filepath.Join("..", "..", "letterbox.example.yaml"))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "168h", cfg.Engine.Retention)
	assert.Equal(t, "127.0.0.1:8089", cfg.Ops.Addr)
	require.NotNil(t, cfg.Notifier)
}
