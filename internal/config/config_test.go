package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// validConfig returns defaults with every required setting filled in.
func validConfig() *Config {
	cfg := Defaults()
	cfg.Telegram.TestToken = "111:test-token"
	cfg.Telegram.ProdToken = "222:prod-token"
	cfg.Telegram.Admins = AdminList{111, 222}
	cfg.Storage.AccessKey = "access"
	cfg.Storage.SecretKey = "secret"
	cfg.Storage.Bucket = "bot-logs"
	return cfg
}

// clearEnv unsets every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, b := range envBindings {
		t.Setenv(b.name, "")
	}
	t.Setenv("ADMINS", "")
	os.Unsetenv("ADMINS")
}

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_DefaultsAreIncomplete(t *testing.T) {
	err := Validate(Defaults())
	if err == nil {
		t.Fatal("defaults lack tokens and credentials, expected error")
	}
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConfigurationError, got %T", err)
	}
	if len(ce.Problems) < 4 {
		t.Errorf("expected every missing setting listed, got %v", ce.Problems)
	}
}

func TestValidate_Stand(t *testing.T) {
	cfg := validConfig()
	cfg.General.Stand = "STAGE"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown stand")
	}

	cfg = validConfig()
	cfg.General.Stand = StandProd
	cfg.Telegram.ProdToken = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for PROD without prod token")
	}

	// DEV does not need the prod token.
	cfg = validConfig()
	cfg.Telegram.ProdToken = ""
	if err := Validate(cfg); err != nil {
		t.Fatalf("DEV without prod token should be valid: %v", err)
	}
}

func TestValidate_NoAdmins(t *testing.T) {
	cfg := validConfig()
	cfg.Telegram.Admins = nil
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for empty admin list")
	}
}

func TestValidate_SendRate(t *testing.T) {
	cfg := validConfig()
	cfg.Telegram.SendsPerSecond = 100
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for send rate above Telegram's limit")
	}
	cfg.Telegram.SendsPerSecond = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("zero send rate means default: %v", err)
	}
}

func TestValidate_StorageRequired(t *testing.T) {
	for _, mutate := range []func(*Config){
		func(c *Config) { c.Storage.AccessKey = "" },
		func(c *Config) { c.Storage.SecretKey = "" },
		func(c *Config) { c.Storage.Bucket = "" },
		func(c *Config) { c.Storage.Endpoint = "" },
		func(c *Config) { c.Storage.Region = "" },
	} {
		cfg := validConfig()
		mutate(cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("expected error for incomplete storage config: %+v", cfg.Storage)
		}
	}
}

func TestValidate_DryRunSkipsStorage(t *testing.T) {
	cfg := validConfig()
	cfg.Storage = StorageConfig{DryRun: true}
	if err := Validate(cfg); err != nil {
		t.Fatalf("dry run should not need storage credentials: %v", err)
	}
}

func TestValidate_EventLogBounds(t *testing.T) {
	cfg := validConfig()
	cfg.EventLog.Shards = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for shards=0")
	}

	cfg = validConfig()
	cfg.EventLog.MaxAttempts = 11
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxAttempts=11")
	}

	cfg = validConfig()
	cfg.EventLog.MaxAttempts = 1
	if err := Validate(cfg); err != nil {
		t.Fatalf("maxAttempts=1 (no retries) should be valid: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestBotToken_SelectedByStand(t *testing.T) {
	cfg := validConfig()
	tok, err := cfg.BotToken()
	if err != nil || tok != "111:test-token" {
		t.Fatalf("DEV: got %q, %v", tok, err)
	}

	cfg.General.Stand = StandProd
	tok, err = cfg.BotToken()
	if err != nil || tok != "222:prod-token" {
		t.Fatalf("PROD: got %q, %v", tok, err)
	}

	cfg.General.Stand = "QA"
	if _, err := cfg.BotToken(); err == nil {
		t.Fatal("expected error for unknown stand")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTripJSON(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")

	original := validConfig()
	original.Storage.Bucket = "round-trip"

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Storage.Bucket != "round-trip" {
		t.Fatalf("expected 'round-trip', got %q", loaded.Storage.Bucket)
	}
	if len(loaded.Telegram.Admins) != 2 || loaded.Telegram.Admins[1] != 222 {
		t.Fatalf("admins lost in round trip: %v", loaded.Telegram.Admins)
	}
}

func TestLoadSave_RoundTripYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := Save(path, validConfig()); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Storage.SecretKey != "secret" || loaded.EventLog.Shards != 4 {
		t.Fatalf("unexpected yaml round trip: %+v", loaded)
	}
}

func TestLoad_YAMLWithEnvExpansion(t *testing.T) {
	clearEnv(t)
	t.Setenv("MY_BUCKET", "from-env")
	path := filepath.Join(t.TempDir(), "bot.yml")
	content := `
general:
  stand: prod
telegram:
  prodToken: "999:abc"
  admins: "111, 222"
storage:
  accessKey: a
  secretKey: s
  bucket: ${MY_BUCKET}
eventLog:
  maxAttempts: 5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.General.Stand != StandProd {
		t.Errorf("stand should be upper-cased, got %q", cfg.General.Stand)
	}
	if cfg.Storage.Bucket != "from-env" {
		t.Errorf("expected bucket from env, got %q", cfg.Storage.Bucket)
	}
	if cfg.EventLog.MaxAttempts != 5 || cfg.EventLog.QueueSize != 256 {
		t.Errorf("expected file value over defaults, got %+v", cfg.EventLog)
	}
	if len(cfg.Telegram.Admins) != 2 {
		t.Errorf("expected 2 admins, got %v", cfg.Telegram.Admins)
	}
}

func TestLoad_EnvOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv("STAND", "DEV")
	t.Setenv("TEST_BOT_TOKEN", "123:dev")
	t.Setenv("CLOUD_S3_ID_KEY", "id")
	t.Setenv("CLOUD_S3_SECRET_KEY", "secret")
	t.Setenv("BUCKET_NAME", "logs")
	t.Setenv("ADMINS", " 111, 222 ,")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tok, _ := cfg.BotToken()
	if tok != "123:dev" {
		t.Errorf("expected dev token, got %q", tok)
	}
	if len(cfg.Telegram.Admins) != 2 || cfg.Telegram.Admins[0] != 111 {
		t.Errorf("unexpected admins %v", cfg.Telegram.Admins)
	}
	if cfg.Storage.Endpoint != "https://storage.yandexcloud.net" {
		t.Errorf("expected default endpoint, got %q", cfg.Storage.Endpoint)
	}
}

func TestLoad_InvalidAdminsEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADMINS", "111,abc")

	_, err := Load("")
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConfigurationError, got %v", err)
	}
	if !strings.Contains(err.Error(), "ADMINS contains non-integer values") {
		t.Errorf("expected ADMINS problem in %q", err)
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_BOT_TOKEN", "123:dev")
	t.Setenv("ADMINS", "1")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error without storage credentials")
	}
	cfg, err := Load("", func(c *Config) { c.Storage.DryRun = true })
	if err != nil {
		t.Fatalf("dry-run override should satisfy validation: %v", err)
	}
	if !cfg.Storage.DryRun {
		t.Fatal("override not applied")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	val, err := GetByPath(validConfig(), "storage.bucket")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "bot-logs" {
		t.Fatalf("expected 'bot-logs', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	_, err := GetByPath(Defaults(), "nonexistent.path")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "eventLog.maxAttempts", "5"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.EventLog.MaxAttempts != 5 {
		t.Fatalf("expected 5, got %d", cfg.EventLog.MaxAttempts)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "metrics.enabled", "true"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if !cfg.Metrics.Enabled {
		t.Fatal("expected metrics.enabled=true")
	}
}

func TestSetByPath_StandIsChecked(t *testing.T) {
	cfg := validConfig()
	if err := SetByPath(cfg, "general.stand", "prod"); err != nil {
		t.Fatalf("set stand: %v", err)
	}
	if cfg.General.Stand != StandProd {
		t.Fatalf("expected PROD, got %s", cfg.General.Stand)
	}
	if err := SetByPath(cfg, "general.stand", "STAGE"); err == nil {
		t.Fatal("expected error for unknown stand")
	}
	if cfg.General.Stand != StandProd {
		t.Fatal("failed set must leave the config unchanged")
	}
}

func TestSetByPath_Admins(t *testing.T) {
	cfg := validConfig()
	if err := SetByPath(cfg, "telegram.admins", "5, 6,7"); err != nil {
		t.Fatalf("set admins: %v", err)
	}
	if len(cfg.Telegram.Admins) != 3 || cfg.Telegram.Admins[2] != 7 {
		t.Fatalf("unexpected admins: %v", cfg.Telegram.Admins)
	}
	for _, bad := range []string{"abc", " , "} {
		if err := SetByPath(cfg, "telegram.admins", bad); err == nil {
			t.Errorf("expected error for admins %q", bad)
		}
	}
	if len(cfg.Telegram.Admins) != 3 {
		t.Fatal("failed set must leave the admins unchanged")
	}
}

func TestSetByPath_RejectsBadInput(t *testing.T) {
	cases := []struct{ path, value string }{
		{"storage.bukket", "logs"},
		{"nosection.key", "1"},
		{"eventLog.shards", "many"},
		{"eventLog.shards", "2.5"},
		{"metrics.enabled", "maybe"},
		{"telegram", "x"},
		{"", "x"},
	}
	for _, tc := range cases {
		cfg := validConfig()
		if err := SetByPath(cfg, tc.path, tc.value); err == nil {
			t.Errorf("SetByPath(%q, %q) should fail", tc.path, tc.value)
		}
		if cfg.EventLog.Shards != 4 || cfg.Storage.Bucket != "bot-logs" {
			t.Errorf("SetByPath(%q) modified the config on error", tc.path)
		}
	}
}

func TestSetByPath_UnsetOptionalField(t *testing.T) {
	cfg := validConfig()
	cfg.General.LogFile = ""
	if _, err := GetByPath(cfg, "general.logFile"); err == nil {
		t.Fatal("unset optional field should not be found")
	}
	if err := SetByPath(cfg, "general.logFile", "/var/log/gmatbot.log"); err != nil {
		t.Fatalf("set log file: %v", err)
	}
	if cfg.General.LogFile != "/var/log/gmatbot.log" {
		t.Fatalf("unexpected log file %q", cfg.General.LogFile)
	}
}

// --- Resolve ---

func TestResolve_ExpandsAndValidates(t *testing.T) {
	clearEnv(t)
	t.Setenv("GMATBOT_TEST_TOKEN", "999:expanded")

	raw := validConfig()
	raw.Telegram.TestToken = "${GMATBOT_TEST_TOKEN}"
	cfg, err := Resolve(raw)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Telegram.TestToken != "999:expanded" {
		t.Fatalf("expected expanded token, got %q", cfg.Telegram.TestToken)
	}
	if raw.Telegram.TestToken != "${GMATBOT_TEST_TOKEN}" {
		t.Fatal("raw config must keep the placeholder")
	}

	raw.Telegram.Admins = nil
	if _, err := Resolve(raw); err == nil {
		t.Fatal("expected validation error without admins")
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Telegram.ProdToken = "123456789:ABCdefGHIjklMNOpqrSTUvwxyz"
	cfg.Storage.SecretKey = "YCsecret-1234567890abcdef"

	sanitized := Sanitize(cfg)

	if sanitized.Telegram.ProdToken == cfg.Telegram.ProdToken {
		t.Fatal("telegram token should be masked")
	}
	if sanitized.Storage.SecretKey == cfg.Storage.SecretKey {
		t.Fatal("storage secret should be masked")
	}
	if sanitized.Storage.AccessKey != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.Storage.AccessKey)
	}
	if sanitized.Storage.Bucket != cfg.Storage.Bucket {
		t.Fatal("non-secret values should be kept")
	}
	if cfg.Telegram.ProdToken != "123456789:ABCdefGHIjklMNOpqrSTUvwxyz" {
		t.Fatal("original config should not be modified")
	}
}

// --- ListPaths ---

func TestListPaths_SortedLeaves(t *testing.T) {
	settings := ListPaths(Defaults())
	seen := make(map[string]any)
	for i, st := range settings {
		if i > 0 && settings[i-1].Path >= st.Path {
			t.Fatalf("paths not sorted: %s before %s", settings[i-1].Path, st.Path)
		}
		seen[st.Path] = st.Value
	}
	for _, expected := range []string{"general.stand", "storage.endpoint", "eventLog.shards", "database.path"} {
		if _, ok := seen[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
	if seen["general.stand"] != StandDev {
		t.Errorf("expected stand DEV, got %v", seen["general.stand"])
	}
}

// --- AdminList ---

func TestAdminList_JSONMixedTypes(t *testing.T) {
	var list AdminList
	if err := json.Unmarshal([]byte(`[111, "222", " 333 "]`), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 3 || list[0] != 111 || list[1] != 222 || list[2] != 333 {
		t.Fatalf("unexpected: %v", list)
	}
}

func TestAdminList_JSONCommaString(t *testing.T) {
	var list AdminList
	if err := json.Unmarshal([]byte(`"111,222"`), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("unexpected: %v", list)
	}
}

func TestAdminList_JSONRejectsNonInteger(t *testing.T) {
	var list AdminList
	if err := json.Unmarshal([]byte(`[111, "bob"]`), &list); err == nil {
		t.Fatal("expected error for non-integer admin")
	}
	if err := json.Unmarshal([]byte(`[1.5]`), &list); err == nil {
		t.Fatal("expected error for fractional admin")
	}
}

func TestAdminList_YAMLSequence(t *testing.T) {
	var out struct {
		Admins AdminList `yaml:"admins"`
	}
	if err := yaml.Unmarshal([]byte("admins:\n  - 111\n  - \"222\"\n"), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Admins) != 2 || out.Admins[1] != 222 {
		t.Fatalf("unexpected: %v", out.Admins)
	}
	if err := yaml.Unmarshal([]byte("admins:\n  - x\n"), &out); err == nil {
		t.Fatal("expected error for non-integer admin")
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_SECRET_KEY", "YC-abc123")
	result := ExpandEnvVars(`{"secretKey": "${TEST_SECRET_KEY}"}`)
	expected := `{"secretKey": "YC-abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"region": "${NONEXISTENT_VAR_12345:-ru-central1}"}`)
	expected := `{"region": "ru-central1"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	result := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`)
	expected := `"fallback"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestLoadFile_KeepsPlaceholders(t *testing.T) {
	t.Setenv("PLACEHOLDER_BUCKET", "expanded")
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"storage": {"bucket": "${PLACEHOLDER_BUCKET}"}}`), 0o644)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if cfg.Storage.Bucket != "${PLACEHOLDER_BUCKET}" {
		t.Errorf("LoadFile must not expand variables, got %q", cfg.Storage.Bucket)
	}
	if cfg.EventLog.Shards != 4 {
		t.Errorf("expected defaults under the file, got shards=%d", cfg.EventLog.Shards)
	}
}
