package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/caravel-dev/caravel/pkg/engine"
)

// Duration wraps time.Duration with YAML parsing of strings like "10m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Settings is the orchestrator's local settings file: the known
// environments, deployable components, command templates and defaults.
// Secret material never lives here; it comes from the secret backend.
type Settings struct {
	// Environments are the known environment names, in deployment order.
	Environments []string `yaml:"environments" validate:"required,min=1,dive,required"`

	// Infra are infrastructure components, deployed in declared order.
	Infra []ComponentSettings `yaml:"infra" validate:"dive"`

	// Applications are the deployable applications.
	Applications []ComponentSettings `yaml:"applications" validate:"dive"`

	// Defaults apply to components without overrides.
	Defaults DefaultSettings `yaml:"defaults"`

	// SecretStore configures the secret backend connection.
	SecretStore SecretStoreSettings `yaml:"secret_store"`

	// Store configures run-report persistence.
	Store StoreSettings `yaml:"store"`

	// Tools are external binaries required on PATH before a run starts.
	Tools []string `yaml:"tools"`
}

// ComponentSettings describes one deployable component.
type ComponentSettings struct {
	Name string `yaml:"name" validate:"required"`

	// Command is the argv template used to deploy the component.
	Command []string `yaml:"command" validate:"required,min=1,dive,required"`

	Env     map[string]string `yaml:"env"`
	WorkDir string            `yaml:"work_dir"`

	// Verify is the readiness-probe argv template, if any.
	Verify []string `yaml:"verify"`

	// Environments restricts where the component is deployed; empty means all.
	Environments []string `yaml:"environments"`

	// Retries overrides the default retry budget.
	Retries *int `yaml:"retries" validate:"omitempty,gte=0"`

	// Timeout overrides the default attempt timeout.
	Timeout Duration `yaml:"timeout"`
}

// DefaultSettings are fallbacks for components without overrides.
type DefaultSettings struct {
	Retries     int      `yaml:"retries" validate:"gte=0"`
	Timeout     Duration `yaml:"timeout"`
	Concurrency int      `yaml:"concurrency" validate:"gte=0"`
}

// SecretStoreSettings configures the secret backend connection.
type SecretStoreSettings struct {
	Address string `yaml:"address"`

	// Mount is the KV mount point; defaults to "secret".
	Mount string `yaml:"mount"`

	// ConfigPath is the well-known path of the configuration document.
	ConfigPath string `yaml:"config_path" validate:"required"`

	Timeout Duration `yaml:"timeout"`
}

// StoreSettings configures run-report persistence.
type StoreSettings struct {
	// Path is the SQLite database file; empty disables persistence.
	Path string `yaml:"path"`
}

// LoadSettings reads and validates the settings file.
func LoadSettings(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("failed to read settings file %s", path), err,
		).WithCode(engine.ErrCodeValidation)
	}

	var settings Settings
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("failed to parse settings file %s", path), err,
		).WithCode(engine.ErrCodeValidation)
	}

	settings.applyDefaults()

	if err := validator.New().Struct(&settings); err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("invalid settings file %s", path), err,
		).WithCode(engine.ErrCodeValidation)
	}
	if len(settings.Infra) == 0 && len(settings.Applications) == 0 {
		return nil, engine.NewPermanentError(
			"settings declare no applications and no infra", nil,
		).WithCode(engine.ErrCodeValidation)
	}

	return &settings, nil
}

func (s *Settings) applyDefaults() {
	if s.Defaults.Timeout == 0 {
		s.Defaults.Timeout = Duration(10 * time.Minute)
	}
	if s.Defaults.Retries == 0 {
		s.Defaults.Retries = 2
	}
	if s.SecretStore.Mount == "" {
		s.SecretStore.Mount = "secret"
	}
}

// HasEnvironment reports whether name is a known environment.
func (s *Settings) HasEnvironment(name string) bool {
	for _, env := range s.Environments {
		if env == name {
			return true
		}
	}
	return false
}

// PlanRequest builds the engine plan request for the given scope.
// envs must be known environments; apps filters applications by name.
// The name "all" (or an empty apps list) selects everything.
func (s *Settings) PlanRequest(envs, apps []string, sequential bool) (engine.PlanRequest, error) {
	envs = s.expandEnvironments(envs)
	for _, env := range envs {
		if !s.HasEnvironment(env) {
			return engine.PlanRequest{}, engine.NewPermanentError(
				fmt.Sprintf("unknown environment %q", env), nil,
			).WithCode(engine.ErrCodeValidation)
		}
	}

	applications, err := s.selectApplications(apps)
	if err != nil {
		return engine.PlanRequest{}, err
	}

	infra := make([]engine.ComponentSpec, 0, len(s.Infra))
	for i := range s.Infra {
		infra = append(infra, s.Infra[i].toSpec())
	}

	return engine.PlanRequest{
		Environments:           envs,
		Infra:                  infra,
		Applications:           applications,
		SequentialEnvironments: sequential,
		DefaultRetries:         s.Defaults.Retries,
		DefaultTimeout:         s.Defaults.Timeout.Std(),
	}, nil
}

// expandEnvironments maps the scope name "all" to every declared
// environment, in declared order.
func (s *Settings) expandEnvironments(envs []string) []string {
	for _, env := range envs {
		if env == "all" {
			return append([]string(nil), s.Environments...)
		}
	}
	return envs
}

func (s *Settings) selectApplications(names []string) ([]engine.ComponentSpec, error) {
	for _, name := range names {
		if name == "all" {
			names = nil
			break
		}
	}
	if len(names) == 0 {
		specs := make([]engine.ComponentSpec, 0, len(s.Applications))
		for i := range s.Applications {
			specs = append(specs, s.Applications[i].toSpec())
		}
		return specs, nil
	}

	specs := make([]engine.ComponentSpec, 0, len(names))
	for _, name := range names {
		found := false
		for i := range s.Applications {
			if s.Applications[i].Name == name {
				specs = append(specs, s.Applications[i].toSpec())
				found = true
				break
			}
		}
		if !found {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("unknown application %q", name), nil,
			).WithCode(engine.ErrCodeValidation)
		}
	}
	return specs, nil
}

func (c *ComponentSettings) toSpec() engine.ComponentSpec {
	retries := -1
	if c.Retries != nil {
		retries = *c.Retries
	}
	return engine.ComponentSpec{
		Name:          c.Name,
		Command:       c.Command,
		Env:           c.Env,
		WorkDir:       c.WorkDir,
		VerifyCommand: c.Verify,
		Environments:  c.Environments,
		Retries:       retries,
		Timeout:       c.Timeout.Std(),
	}
}
