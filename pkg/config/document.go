// Package config loads the orchestrator's configuration: the nested
// configuration document stored in the secret backend, and the local
// settings file describing environments, components and command
// templates.
package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/caravel-dev/caravel/pkg/engine"
)

// Document is a nested tree of configuration values with typed lookups
// over dotted paths such as "keycloak.clients.0.client_id". Numeric
// segments index lists. A missing segment is always an explicit
// CONFIG_KEY_MISSING error, never a zero-value substitute.
type Document struct {
	root map[string]interface{}
}

// NewDocument wraps a parsed configuration tree.
func NewDocument(root map[string]interface{}) *Document {
	if root == nil {
		root = make(map[string]interface{})
	}
	return &Document{root: root}
}

// Has reports whether a value exists at the path.
func (d *Document) Has(path string) bool {
	_, err := d.lookup(path)
	return err == nil
}

// String returns the string value at the path.
func (d *Document) String(path string) (string, error) {
	v, err := d.lookup(path)
	if err != nil {
		return "", err
	}
	switch val := v.(type) {
	case string:
		return val, nil
	case json.Number:
		return val.String(), nil
	case bool, int, int64, float64:
		return fmt.Sprint(val), nil
	default:
		return "", keyError(path, fmt.Sprintf("value is %T, not a string", v))
	}
}

// Int returns the integer value at the path.
func (d *Document) Int(path string) (int, error) {
	v, err := d.lookup(path)
	if err != nil {
		return 0, err
	}
	switch val := v.(type) {
	case int:
		return val, nil
	case int64:
		return int(val), nil
	case float64:
		if val != float64(int(val)) {
			return 0, keyError(path, "value is not an integer")
		}
		return int(val), nil
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			return 0, keyError(path, "value is not an integer")
		}
		return int(n), nil
	case string:
		n, err := strconv.Atoi(val)
		if err != nil {
			return 0, keyError(path, "value is not an integer")
		}
		return n, nil
	default:
		return 0, keyError(path, fmt.Sprintf("value is %T, not an integer", v))
	}
}

// Bool returns the boolean value at the path.
func (d *Document) Bool(path string) (bool, error) {
	v, err := d.lookup(path)
	if err != nil {
		return false, err
	}
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return false, keyError(path, "value is not a boolean")
		}
		return b, nil
	default:
		return false, keyError(path, fmt.Sprintf("value is %T, not a boolean", v))
	}
}

// List returns the list value at the path.
func (d *Document) List(path string) ([]interface{}, error) {
	v, err := d.lookup(path)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, keyError(path, fmt.Sprintf("value is %T, not a list", v))
	}
	return list, nil
}

// Submap returns the nested mapping at the path.
func (d *Document) Submap(path string) (map[string]interface{}, error) {
	v, err := d.lookup(path)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, keyError(path, fmt.Sprintf("value is %T, not a mapping", v))
	}
	return m, nil
}

// Resolve implements the parameter-override rule: a non-empty
// paramValue always wins over whatever is stored at the path; otherwise
// the stored value is returned; a mandatory setting with neither fails.
func (d *Document) Resolve(paramValue, path string) (string, error) {
	if paramValue != "" {
		return paramValue, nil
	}
	v, err := d.String(path)
	if err != nil {
		return "", engine.NewPermanentError(
			fmt.Sprintf("no parameter given and no configuration at %q", path), err,
		).WithCode(engine.ErrCodeConfigKeyMissing)
	}
	return v, nil
}

// Environment returns the configuration subtree for an environment.
// Every environment referenced by a deployment unit must have one;
// a missing subtree is a CONFIG_LOAD_ERROR, not an empty default.
func (d *Document) Environment(name string) (map[string]interface{}, error) {
	m, err := d.Submap("environments." + name)
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("no configuration subtree for environment %q", name), err,
		).WithCode(engine.ErrCodeConfigLoad)
	}
	return m, nil
}

func (d *Document) lookup(path string) (interface{}, error) {
	if path == "" {
		return nil, keyError(path, "empty path")
	}

	var current interface{} = d.root
	segments := strings.Split(path, ".")

	for i, seg := range segments {
		switch node := current.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return nil, keyError(strings.Join(segments[:i+1], "."), "key not present")
			}
			current = v
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return nil, keyError(strings.Join(segments[:i+1], "."), "list requires a numeric index")
			}
			if idx < 0 || idx >= len(node) {
				return nil, keyError(strings.Join(segments[:i+1], "."), "list index out of range")
			}
			current = node[idx]
		default:
			return nil, keyError(strings.Join(segments[:i+1], "."), fmt.Sprintf("cannot descend into %T", current))
		}
	}

	return current, nil
}

func keyError(path, detail string) *engine.OrchestrationError {
	return engine.NewPermanentError(
		fmt.Sprintf("configuration key %q: %s", path, detail), nil,
	).WithCode(engine.ErrCodeConfigKeyMissing)
}
