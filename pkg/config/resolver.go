package config

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/caravel-dev/caravel/pkg/engine"
)

// SecretReader is the slice of the secret store the resolver needs.
type SecretReader interface {
	GetAll(ctx context.Context, path string) (map[string]string, error)
}

// Resolver loads the configuration document from a well-known path in
// the secret backend. Each key at the path is a top-level section;
// values holding JSON are parsed into nested trees, everything else
// stays a plain string.
type Resolver struct {
	store  SecretReader
	path   string
	logger zerolog.Logger
}

// NewResolver creates a resolver reading from the given secret path.
func NewResolver(store SecretReader, path string, logger zerolog.Logger) *Resolver {
	return &Resolver{store: store, path: path, logger: logger}
}

// Load fetches the document in a single round trip. Any backend
// failure, including a rejected credential or a missing path, is a
// CONFIG_LOAD_ERROR wrapping the cause; the caller must abort the run
// before any unit starts.
func (r *Resolver) Load(ctx context.Context) (*Document, error) {
	data, err := r.store.GetAll(ctx, r.path)
	if err != nil {
		return nil, engine.NewPermanentError(
			"failed to load configuration document", err,
		).WithCode(engine.ErrCodeConfigLoad)
	}

	root := make(map[string]interface{}, len(data))
	for key, raw := range data {
		var parsed interface{}
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			switch parsed.(type) {
			case map[string]interface{}, []interface{}:
				root[key] = parsed
				continue
			}
		}
		root[key] = raw
	}

	r.logger.Debug().
		Str("path", r.path).
		Int("sections", len(root)).
		Msg("Configuration document loaded")

	return NewDocument(root), nil
}
