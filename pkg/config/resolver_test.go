package config

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/caravel-dev/caravel/pkg/engine"
)

type fakeSecretReader struct {
	data map[string]string
	err  error
}

func (f *fakeSecretReader) GetAll(ctx context.Context, path string) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

func TestResolverLoadParsesJSONSections(t *testing.T) {
	reader := &fakeSecretReader{data: map[string]string{
		"deploy":   `{"image_tag": "v1.0.0", "replicas": 2}`,
		"clusters": `["alpha", "beta"]`,
		"motd":     "deploys are frozen on fridays",
	}}

	doc, err := NewResolver(reader, "caravel/config", zerolog.Nop()).Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tag, err := doc.String("deploy.image_tag")
	if err != nil || tag != "v1.0.0" {
		t.Errorf("Expected parsed JSON section, got %q, %v", tag, err)
	}

	cluster, err := doc.String("clusters.0")
	if err != nil || cluster != "alpha" {
		t.Errorf("Expected parsed JSON list, got %q, %v", cluster, err)
	}

	// Non-JSON values stay plain strings.
	motd, err := doc.String("motd")
	if err != nil || motd != "deploys are frozen on fridays" {
		t.Errorf("Expected raw string section, got %q, %v", motd, err)
	}
}

func TestResolverLoadWrapsBackendFailure(t *testing.T) {
	reader := &fakeSecretReader{
		err: engine.NewPermanentError("permission denied", nil).WithCode(engine.ErrCodeAuth),
	}

	_, err := NewResolver(reader, "caravel/config", zerolog.Nop()).Load(context.Background())
	if err == nil {
		t.Fatal("Expected error for backend failure")
	}
	if !engine.HasCode(err, engine.ErrCodeConfigLoad) {
		t.Errorf("Expected CONFIG_LOAD_ERROR code, got: %v", err)
	}
	// The underlying classification stays reachable for diagnostics.
	if !engine.IsPermanent(err) {
		t.Errorf("Expected permanent error, got: %v", err)
	}
}

func TestResolverLoadScalarJSONStaysString(t *testing.T) {
	reader := &fakeSecretReader{data: map[string]string{
		"max_surge": "42",
		"enabled":   "true",
	}}

	doc, err := NewResolver(reader, "caravel/config", zerolog.Nop()).Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Scalar values are kept verbatim so typed accessors can coerce them.
	n, err := doc.Int("max_surge")
	if err != nil || n != 42 {
		t.Errorf("Int(max_surge) = %d, %v", n, err)
	}
	b, err := doc.Bool("enabled")
	if err != nil || !b {
		t.Errorf("Bool(enabled) = %v, %v", b, err)
	}
}
