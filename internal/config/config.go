// Package config collects per-role settings from flags, falling back to
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/example/face-pipeline/internal/queue"
)

// Registered service names.
const (
	RegistryService        = "discovery_service"
	IdentityService        = "server_identity_service"
	UsersService           = "user_identity_service"
	ResourcesService       = "resource_manager_service"
	GatewayService         = "gateway_service"
	PeopleDetectionService = "people_detection_service"
	FaceDetectionService   = "face_detection_service"
	AgeEstimationService   = "age_estimation_service"
	MessageBroker          = "message_broker"
)

// DetectorService returns the service name of the detector running st.
func DetectorService(st queue.Stage) string {
	switch st {
	case queue.PeopleDetection:
		return PeopleDetectionService
	case queue.FacesDetection:
		return FaceDetectionService
	case queue.AgeEstimation:
		return AgeEstimationService
	}
	return ""
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// Loader binds flags whose defaults come from the environment and remembers
// environment values that did not parse.
type Loader struct {
	fs   *pflag.FlagSet
	errs []error
}

// NewLoader wraps fs.
func NewLoader(fs *pflag.FlagSet) *Loader {
	return &Loader{fs: fs}
}

// String binds a string flag.
func (l *Loader) String(p *string, name, env, fallback, usage string) {
	l.fs.StringVar(p, name, getEnv(env, fallback), usage+" ($"+env+")")
}

// Duration binds a duration flag.
func (l *Loader) Duration(p *time.Duration, name, env string, fallback time.Duration, usage string) {
	value := fallback
	if raw := os.Getenv(env); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			l.errs = append(l.errs, fmt.Errorf("%s: %w", env, err))
		} else {
			value = parsed
		}
	}
	l.fs.DurationVar(p, name, value, usage+" ($"+env+")")
}

// Int binds an int flag.
func (l *Loader) Int(p *int, name, env string, fallback int, usage string) {
	value := fallback
	if raw := os.Getenv(env); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			l.errs = append(l.errs, fmt.Errorf("%s: %w", env, err))
		} else {
			value = parsed
		}
	}
	l.fs.IntVar(p, name, value, usage+" ($"+env+")")
}

// Float binds a float flag.
func (l *Loader) Float(p *float64, name, env string, fallback float64, usage string) {
	value := fallback
	if raw := os.Getenv(env); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			l.errs = append(l.errs, fmt.Errorf("%s: %w", env, err))
		} else {
			value = parsed
		}
	}
	l.fs.Float64Var(p, name, value, usage+" ($"+env+")")
}

// StringSlice binds a comma separated list flag. Blank items are dropped.
func (l *Loader) StringSlice(p *[]string, name, env string, fallback []string, usage string) {
	value := fallback
	if raw := strings.TrimSpace(os.Getenv(env)); raw != "" {
		value = nil
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				value = append(value, item)
			}
		}
	}
	l.fs.StringSliceVar(p, name, value, usage+" ($"+env+")")
}

// Parse parses args and reports environment parse failures.
func (l *Loader) Parse(args []string) error {
	if err := l.fs.Parse(args); err != nil {
		return err
	}
	return errors.Join(l.errs...)
}

// required reports every empty setting by its environment name.
func required(values map[string]string) error {
	var missing []string
	for env, value := range values {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, env)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
}
