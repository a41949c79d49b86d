package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"gopkg.in/yaml.v3"

	"github.com/tigerroll/tsingest/pkg/ingest/support/util/exception"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

const moduleName = "config"

// ConfigParams defines the dependencies for NewConfigProvider.
type ConfigParams struct {
	fx.In
	EmbeddedConfig EmbeddedConfig
	EnvFilePath    string `name:"envFilePath" optional:"true"`
}

// loadConfig loads configuration in four layers: defaults, embedded YAML (with ${VAR}
// placeholders expanded), the optional .env file, and finally environment overrides derived
// from yaml tags (TSINGEST_STORAGE_BASE_DIR, TSINGEST_ADAPTERS_NEWS_API_KEY, ...).
//
// Parameters:
//
//	envFilePath: The path to the .env file. Empty means ".env" in the working directory.
//	embeddedConfig: The embedded YAML bytes.
func loadConfig(envFilePath string, embeddedConfig EmbeddedConfig) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			logger.Warnf(".env file (%s) not found or could not be loaded: %v", envFilePath, err)
		}
	} else if err := godotenv.Load(); err != nil {
		logger.Debugf(".env file not found or could not be loaded: %v", err)
	}

	cfg := NewConfig()

	expanded := os.ExpandEnv(string(embeddedConfig))
	// Decoding onto the defaults only overwrites keys present in the document.
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, exception.NewIngestError(moduleName, "failed to unmarshal embedded config", err, true, false)
	}
	if cfg.Ingest.Adapters == nil {
		cfg.Ingest.Adapters = make(map[string]AdapterConfig)
	}

	if err := loadStructFromEnv(reflect.ValueOf(cfg).Elem(), ""); err != nil {
		return nil, exception.NewIngestError(moduleName, "failed to load config from environment variables", err, true, false)
	}
	return cfg, nil
}

// LoadConfig loads configuration from the embedded YAML and the environment.
// It is expected to be called once during startup.
func LoadConfig(envFilePath string, embeddedConfig EmbeddedConfig) (*Config, error) {
	return loadConfig(envFilePath, embeddedConfig)
}

// NewConfigProvider is an Fx provider that loads, validates and returns *Config.
// It also applies the configured log level.
func NewConfigProvider(params ConfigParams) (*Config, error) {
	cfg, err := loadConfig(params.EnvFilePath, params.EmbeddedConfig)
	if err != nil {
		return nil, err
	}

	logger.SetLogLevel(cfg.Ingest.Logging.Level)
	logger.Infof("Log level set to: %s", cfg.Ingest.Logging.Level)

	if err := Validate(cfg); err != nil {
		return nil, exception.NewIngestError(moduleName, "invalid configuration", err, true, false)
	}
	return cfg, nil
}

// Validate checks cross-field invariants that the rest of the application relies on.
func Validate(cfg *Config) error {
	c := cfg.Ingest
	if c.Storage.Type != "local" && c.Storage.Type != "gcs" {
		return fmt.Errorf("storage.type must be 'local' or 'gcs', got '%s'", c.Storage.Type)
	}
	if c.Storage.Type == "local" && c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir must be set for the local backend")
	}
	if c.Storage.Type == "gcs" && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket must be set for the gcs backend")
	}
	if c.Scheduler.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_jobs must be positive")
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	for _, name := range c.Retry.RetryableErrors {
		if !exception.IsErrorTypeRegistered(name) {
			return fmt.Errorf("retry configuration references unknown error type: '%s'", name)
		}
	}
	seen := make(map[string]struct{}, len(c.Jobs))
	for i, job := range c.Jobs {
		if job.ID == "" {
			return fmt.Errorf("jobs[%d]: id is required", i)
		}
		if _, dup := seen[job.ID]; dup {
			return fmt.Errorf("jobs[%d]: duplicate job id '%s'", i, job.ID)
		}
		seen[job.ID] = struct{}{}
		switch job.Kind {
		case "refresh", "backfill", "detect_gaps", "callback":
		default:
			return fmt.Errorf("job '%s': unknown kind '%s'", job.ID, job.Kind)
		}
		if job.Kind == "refresh" && job.Source == "" {
			return fmt.Errorf("job '%s': refresh jobs require a source", job.ID)
		}
		if job.Kind == "callback" && c.Scheduler.CallbackURL == "" {
			return fmt.Errorf("job '%s': callback jobs require scheduler.callback_url", job.ID)
		}
	}
	for i, t := range c.Tracking {
		switch t.Type {
		case "prices", "macro", "news":
		default:
			return fmt.Errorf("tracking[%d]: unknown type '%s'", i, t.Type)
		}
		if t.Source == "" {
			return fmt.Errorf("tracking[%d]: source is required", i)
		}
	}
	return nil
}

// loadStructFromEnv recursively loads values into a struct from environment variables.
// The variable name is the upper-cased, underscore-joined path of yaml tags.
func loadStructFromEnv(val reflect.Value, prefix string) error {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		yamlTag := strings.Split(fieldType.Tag.Get("yaml"), ",")[0]
		if yamlTag == "" || yamlTag == "-" {
			continue
		}
		envVarName := strings.ToUpper(prefix + yamlTag)

		switch {
		case field.Kind() == reflect.Struct:
			if err := loadStructFromEnv(field, envVarName+"_"); err != nil {
				return err
			}
			continue
		case field.Kind() == reflect.Map && field.Type().Key().Kind() == reflect.String && field.Type().Elem().Kind() == reflect.Struct:
			if err := loadMapOfStructsFromEnv(field, envVarName+"_"); err != nil {
				return err
			}
			continue
		}

		envValue, exists := os.LookupEnv(envVarName)
		if !exists {
			continue
		}
		if err := setField(field, envValue); err != nil {
			return fmt.Errorf("failed to set field '%s' from env var '%s': %w", fieldType.Name, envVarName, err)
		}
	}
	return nil
}

// loadMapOfStructsFromEnv loads map[string]struct fields from environment variables.
// For example, TSINGEST_ADAPTERS_NEWS_API_KEY=xyz sets Adapters["news"].APIKey.
// Map keys must not contain underscores.
func loadMapOfStructsFromEnv(mapField reflect.Value, prefix string) error {
	if mapField.IsNil() {
		mapField.Set(reflect.MakeMap(mapField.Type()))
	}
	elemType := mapField.Type().Elem()

	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		parts := strings.SplitN(strings.TrimPrefix(env, prefix), "=", 2)
		if len(parts) != 2 {
			continue
		}
		keyAndField := strings.SplitN(parts[0], "_", 2)
		if len(keyAndField) != 2 {
			continue
		}
		mapKey := strings.ToLower(keyAndField[0])

		structVal := reflect.New(elemType).Elem()
		if existing := mapField.MapIndex(reflect.ValueOf(mapKey)); existing.IsValid() {
			structVal.Set(existing)
		}
		if err := setStructFieldFromEnv(structVal, keyAndField[1], parts[1]); err != nil {
			return err
		}
		mapField.SetMapIndex(reflect.ValueOf(mapKey), structVal)
	}
	return nil
}

// setStructFieldFromEnv sets the field whose yaml tag matches fieldName (case-insensitive).
func setStructFieldFromEnv(structVal reflect.Value, fieldName string, value string) error {
	typ := structVal.Type()
	for i := 0; i < typ.NumField(); i++ {
		yamlTag := strings.Split(typ.Field(i).Tag.Get("yaml"), ",")[0]
		if yamlTag == "" || yamlTag == "-" {
			continue
		}
		if strings.EqualFold(yamlTag, fieldName) {
			return setField(structVal.Field(i), value)
		}
	}
	return nil
}

// setField assigns a string value to a reflect.Value of a scalar or []string kind.
func setField(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("field cannot be set")
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(v)
	case reflect.Float32, reflect.Float64:
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(v)
	case reflect.Bool:
		v, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(v)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return nil
		}
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		// Maps of scalars, pointers and slices of structs are YAML-only.
	}
	return nil
}
