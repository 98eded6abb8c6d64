package config

import (
	"fmt"
	"os"
	"strings"
)

// envBinding maps an environment variable onto a string config field.
type envBinding struct {
	name  string
	field func(*Config) *string
}

var envBindings = []envBinding{
	{"STAND", func(c *Config) *string { return &c.General.Stand }},
	{"LOG_LEVEL", func(c *Config) *string { return &c.General.LogLevel }},
	{"TEST_BOT_TOKEN", func(c *Config) *string { return &c.Telegram.TestToken }},
	{"PROD_BOT_TOKEN", func(c *Config) *string { return &c.Telegram.ProdToken }},
	{"CLOUD_S3_ID_KEY", func(c *Config) *string { return &c.Storage.AccessKey }},
	{"CLOUD_S3_SECRET_KEY", func(c *Config) *string { return &c.Storage.SecretKey }},
	{"BUCKET_NAME", func(c *Config) *string { return &c.Storage.Bucket }},
	{"S3_ENDPOINT", func(c *Config) *string { return &c.Storage.Endpoint }},
	{"S3_REGION", func(c *Config) *string { return &c.Storage.Region }},
	{"DB_PATH", func(c *Config) *string { return &c.Database.Path }},
}

// applyEnv overlays environment variables on cfg. Set variables win over the
// file. Returns the problems found while parsing them.
func applyEnv(cfg *Config) []string {
	var problems []string
	for _, b := range envBindings {
		if v, ok := os.LookupEnv(b.name); ok && v != "" {
			*b.field(cfg) = strings.TrimSpace(v)
		}
	}
	cfg.General.Stand = strings.ToUpper(cfg.General.Stand)

	if v, ok := os.LookupEnv("ADMINS"); ok {
		admins, err := ParseAdminList(v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("ADMINS contains non-integer values: %v", err))
		} else {
			cfg.Telegram.Admins = admins
		}
	}
	return problems
}
