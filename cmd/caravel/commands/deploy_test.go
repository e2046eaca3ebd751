package commands

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/caravel-dev/caravel/pkg/config"
	"github.com/caravel-dev/caravel/pkg/engine"
	"github.com/caravel-dev/caravel/pkg/telemetry"
)

// configBackend serves a KV v2 configuration document at the well-known
// path. Section values are strings; JSON-shaped ones become subtrees
// during resolution.
func configBackend(t *testing.T, sections map[string]interface{}) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/secret/data/caravel/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"data": sections,
				"metadata": map[string]interface{}{
					"created_time": "2024-01-01T00:00:00Z",
					"version":      1,
				},
			},
		})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func testDeployApp(t *testing.T, backendAddr string) *app {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "console", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	return &app{
		settings: &config.Settings{
			Environments: []string{"develop"},
			Applications: []config.ComponentSettings{
				{Name: "api", Command: []string{"true"}},
			},
			Defaults: config.DefaultSettings{
				Timeout:     config.Duration(time.Minute),
				Concurrency: 2,
			},
			SecretStore: config.SecretStoreSettings{
				Address:    backendAddr,
				Mount:      "secret",
				ConfigPath: "caravel/config",
			},
		},
		logger: logger,
	}
}

func TestRunDeployRejectsMissingEnvironmentSubtree(t *testing.T) {
	// The document has deployment parameters but no subtree for the
	// target environment.
	server := configBackend(t, map[string]interface{}{
		"deploy": `{"image_tag":"v1.0.0","registry":"registry.example.com"}`,
	})
	app := testDeployApp(t, server.URL)

	err := runDeploy(context.Background(), app, deployParams{
		environments: []string{"develop"},
	})
	if err == nil {
		t.Fatal("Expected error for missing environment subtree")
	}
	if !engine.HasCode(err, engine.ErrCodeConfigLoad) {
		t.Errorf("Expected config load error code, got: %v", err)
	}
}

func TestRunDeploySucceedsWithEnvironmentSubtree(t *testing.T) {
	server := configBackend(t, map[string]interface{}{
		"deploy":       `{"image_tag":"v1.0.0","registry":"registry.example.com"}`,
		"environments": `{"develop":{"namespace":"dev"}}`,
	})
	app := testDeployApp(t, server.URL)

	err := runDeploy(context.Background(), app, deployParams{
		environments: []string{"develop"},
	})
	if err != nil {
		t.Fatalf("runDeploy failed: %v", err)
	}
}
