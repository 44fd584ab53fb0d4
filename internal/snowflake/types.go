package snowflake

import (
	"strings"

	"github.com/ignite/ecomm-report-extractor/internal/config"
)

// ParseConnectionString reads a semicolon separated connection string such as
//
//	ACCOUNT=xxx;USER=zzz;PASSWORD=www;DB=database.schema;WAREHOUSE=wh;ROLE=r;
//
// Keys are case insensitive; unknown keys (scheme, host, port) are ignored.
func ParseConnectionString(connStr string) config.SnowflakeConfig {
	parts := make(map[string]string)
	for _, field := range strings.Split(connStr, ";") {
		key, value, ok := strings.Cut(field, "=")
		if !ok || strings.TrimSpace(key) == "" {
			continue
		}
		parts[strings.ToUpper(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	database, schema, _ := strings.Cut(parts["DB"], ".")
	if s := parts["SCHEMA"]; s != "" {
		schema = s
	}

	return config.SnowflakeConfig{
		Enabled:   parts["ACCOUNT"] != "",
		Account:   parts["ACCOUNT"],
		User:      parts["USER"],
		Password:  parts["PASSWORD"],
		Database:  database,
		Schema:    schema,
		Warehouse: parts["WAREHOUSE"],
		Role:      parts["ROLE"],
	}
}
