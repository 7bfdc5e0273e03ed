package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "studyagent/pkg/logx"
)

func envFrom(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParseDefaultsWithoutFile(t *testing.T) {
	m := NewConfigManager("")
	m.SetEnvLookup(envFrom(nil))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.UserEmail != DefaultUserEmail {
		t.Fatalf("user_email = %q", cfg.Agent.UserEmail)
	}
	if cfg.Agent.Interval != "1m" || cfg.Agent.SyncDaysAhead != 90 || cfg.Agent.CheckDaysAhead != 7 {
		t.Fatalf("agent defaults = %+v", cfg.Agent)
	}
	if cfg.Agent.AuthURL != DefaultAuthURL {
		t.Fatalf("auth_url = %q", cfg.Agent.AuthURL)
	}
	if got := cfg.Store.EffectiveDriver(); got != "sqlite" {
		t.Fatalf("store driver = %q, want sqlite", got)
	}
}

func TestParseYAMLThenEnv(t *testing.T) {
	p := writeFile(t, "agent.yaml", `
agent:
  user_email: file@example.com
  interval: "00:05"
  sync_days_ahead: 30
store:
  driver: postgrest
  url: https://example.supabase.co
  key: from-file
notifier:
  driver: smtp
  smtp:
    host: mail.example.com
    from: agent@example.com
`)
	m := NewConfigManager(p)
	m.SetEnvLookup(envFrom(map[string]string{
		"USER_EMAIL":            "env@example.com",
		"SYNC_INTERVAL_MINUTES": "10",
		"SUPABASE_SERVICE_KEY":  "from-env",
		"SMTP_PORT":             "2525",
		"CALENDAR_ICS_URL":      "https://calendar.example.com/feed.ics",
		"LOG_LEVEL":             " ",
	}))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.UserEmail != "env@example.com" {
		t.Fatalf("user_email = %q, env must win", cfg.Agent.UserEmail)
	}
	if cfg.Agent.Interval != "10" {
		t.Fatalf("interval = %q", cfg.Agent.Interval)
	}
	if cfg.Agent.SyncDaysAhead != 30 {
		t.Fatalf("sync_days_ahead = %d, file value lost", cfg.Agent.SyncDaysAhead)
	}
	if cfg.Agent.CheckDaysAhead != 7 {
		t.Fatalf("check_days_ahead = %d, default lost", cfg.Agent.CheckDaysAhead)
	}
	if cfg.Store.Key != "from-env" || cfg.Store.URL != "https://example.supabase.co" {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if cfg.Notifier.SMTP.Port != 2525 || cfg.Notifier.SMTP.TLS != "starttls" {
		t.Fatalf("smtp = %+v", cfg.Notifier.SMTP)
	}
	if len(cfg.Calendar.Sources) != 1 {
		t.Fatalf("sources = %v", cfg.Calendar.Sources)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("blank LOG_LEVEL overrode level: %q", cfg.Logging.Level)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	p := writeFile(t, "agent.json", `{"agent": {"user_emial": "typo@example.com"}}`)
	m := NewConfigManager(p)
	m.SetEnvLookup(envFrom(nil))
	if _, err := m.Parse(); err == nil || !strings.Contains(err.Error(), "user_emial") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
}

func TestParseEmptyYAMLKeepsDefaults(t *testing.T) {
	p := writeFile(t, "agent.yaml", "# nothing set yet\n")
	m := NewConfigManager(p)
	m.SetEnvLookup(envFrom(nil))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Interval != Default().Agent.Interval {
		t.Fatalf("interval = %q", cfg.Agent.Interval)
	}
}

func TestParseDurationField(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{" 90s ", 90 * time.Second, false},
		{"1h30m", 90 * time.Minute, false},
		{"2d", 48 * time.Hour, false},
		{"0d", 0, false},
		{"-5m", 0, true},
		{"-1d", 0, true},
		{"1.5d", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("agent.renotify_after", tt.raw)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseDurationField(%q) = %v, %v", tt.raw, got, err)
		}
		if err != nil && !strings.Contains(err.Error(), "agent.renotify_after") {
			t.Errorf("error %q lacks field path", err)
		}
	}

	got, err := ParseDurationOrDefault("status.read_timeout", "", 10*time.Second)
	if err != nil || got != 10*time.Second {
		t.Fatalf("default = %v, %v", got, err)
	}
}

func TestApplyEnvRejectsBadIntegers(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(cfg, envFrom(map[string]string{"SYNC_DAYS_AHEAD": "ninety"}))
	if err == nil || !strings.Contains(err.Error(), "SYNC_DAYS_AHEAD") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"ok", func(c *Config) {}, ""},
		{"empty email", func(c *Config) { c.Agent.UserEmail = " " }, "agent.user_email"},
		{"bad interval", func(c *Config) { c.Agent.Interval = "often" }, "agent.interval"},
		{"zero interval", func(c *Config) { c.Agent.Interval = "0" }, "agent.interval"},
		{"bad call timeout", func(c *Config) { c.Agent.CallTimeout = "1 minute" }, "agent.call_timeout"},
		{"sync days", func(c *Config) { c.Agent.SyncDaysAhead = 0 }, "agent.sync_days_ahead"},
		{"postgrest without key", func(c *Config) { c.Store.Driver = "postgrest"; c.Store.URL = "https://x.supabase.co" }, "store.key"},
		{"unknown store", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"smtp without host", func(c *Config) { c.Notifier.Driver = "smtp" }, "notifier.smtp.host"},
		{"telegram without chat", func(c *Config) { c.Notifier.Driver = "telegram"; c.Notifier.Telegram.Token = "t" }, "chat_id"},
		{"unknown notifier", func(c *Config) { c.Notifier.Driver = "pigeon" }, "notifier.driver"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"bad source", func(c *Config) { c.Calendar.Sources = []string{"ftp://x/cal.ics"} }, "calendar.sources[0]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestEffectiveDriver(t *testing.T) {
	cases := map[StoreConfig]string{
		{}:                                  "sqlite",
		{URL: "https://x.supabase.co"}:      "postgrest",
		{Driver: "Supabase"}:                "postgrest",
		{Driver: "sqlite3", URL: "ignored"}: "sqlite",
	}
	for in, want := range cases {
		if got := in.EffectiveDriver(); got != want {
			t.Errorf("%+v: got %q, want %q", in, got, want)
		}
	}
}

func TestSummarizeConfigChangeOmitsSecrets(t *testing.T) {
	a := Default()
	b := Default()
	b.Store.Key = "super-secret"
	b.Notifier.SMTP.Password = "hunter2"
	b.Agent.Interval = "5m"

	sections, attrs := SummarizeConfigChange(a, b)
	if strings.Join(sections, ",") != "agent,notifier,store" {
		t.Fatalf("sections = %v", sections)
	}
	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config reloaded", attrs...)
	out := buf.String()
	if strings.Contains(out, "super-secret") || strings.Contains(out, "hunter2") {
		t.Fatalf("secret leaked: %s", out)
	}
	if !strings.Contains(out, `"store.key_set":true`) {
		t.Fatalf("missing store.key_set attr: %s", out)
	}
}
