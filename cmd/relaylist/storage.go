package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentworkforce/relaylist/internal/docstore"
)

// storeDSN picks the store DSN: an explicit DSN wins, then the profile.
// An empty profile keeps lists in memory.
func storeDSN(explicit, profile, dataDir string) (string, error) {
	if dsn := strings.TrimSpace(explicit); dsn != "" {
		return dsn, nil
	}
	if strings.TrimSpace(dataDir) == "" {
		dataDir = ".relaylist"
	}
	profile = strings.ToLower(strings.TrimSpace(profile))
	switch profile {
	case "", "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "pebble://" + filepath.Join(dataDir, "pebble"), nil
	case "shared-local", "local-files":
		return "file://" + filepath.Join(dataDir, "lists"), nil
	case "embedded-sql", "sqlite":
		return "sqlite://" + filepath.Join(dataDir, "relaylist.db"), nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("RELAYLIST_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("RELAYLIST_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", fmt.Errorf("RELAYLIST_PRODUCTION_DSN or RELAYLIST_POSTGRES_DSN is required when profile=%s", profile)
		}
		return productionDSN, nil
	default:
		return "", fmt.Errorf("unsupported storage profile: %s", profile)
	}
}

func openStore(explicit, profile, dataDir string) (docstore.Store, string, error) {
	dsn, err := storeDSN(explicit, profile, dataDir)
	if err != nil {
		return nil, "", err
	}
	store, err := docstore.Open(dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open store %s: %w", redactDSN(dsn), err)
	}
	return store, dsn, nil
}

// redactDSN hides credentials in DSNs before they reach logs.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}
