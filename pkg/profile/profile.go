// Package profile holds the helpers shared by backend profiles: variable
// resolution, flat key extraction and struct validation.
package profile

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrConfiguration is matched by every *ConfigError.
var ErrConfiguration = errors.New("invalid configuration")

// ConfigError reports a bad or missing profile entry.
type ConfigError struct {
	Key    string
	Value  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Key != "" {
		fmt.Fprintf(&b, " in %q", e.Key)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Value != "" {
		fmt.Fprintf(&b, " (value=%q)", e.Value)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][0-9A-Za-z_]*)\}`)

// Resolver replaces ${NAME} placeholders with variable values.
type Resolver struct {
	vars map[string]string
}

func NewResolver(vars map[string]string) *Resolver {
	copied := make(map[string]string, len(vars))
	for k, v := range vars {
		copied[k] = v
	}
	return &Resolver{vars: copied}
}

// EnvResolver resolves against the process environment.
func EnvResolver() *Resolver {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	return &Resolver{vars: vars}
}

// Replace substitutes every placeholder in value. In strict mode an undefined
// variable is an error, otherwise the placeholder is kept as is.
func (r *Resolver) Replace(value string, strict bool) (string, error) {
	var missing []string
	out := placeholder.ReplaceAllStringFunc(value, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if v, ok := r.vars[name]; ok {
			return v
		}
		missing = append(missing, name)
		return m
	})
	if strict && len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("undefined variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Lookup returns the resolved value of key. A missing mandatory key or a
// placeholder that cannot be resolved is reported as *ConfigError.
func Lookup(conf map[string]string, key string, r *Resolver, mandatory bool) (string, bool, error) {
	raw, ok := conf[key]
	if !ok {
		if mandatory {
			return "", false, &ConfigError{Key: key, Reason: "mandatory entry is not set"}
		}
		return "", false, nil
	}
	value, err := r.Replace(raw, true)
	if err != nil {
		return "", false, &ConfigError{Key: key, Value: raw, Reason: "failed to resolve variables", Err: err}
	}
	return value, true, nil
}

// Section returns the entries of conf under prefix with the prefix removed.
func Section(conf map[string]string, prefix string) map[string]string {
	out := make(map[string]string)
	for k, v := range conf {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			out[rest] = v
		}
	}
	return out
}

var validate = validator.New()

// Validate checks struct tags and turns the first violation into a
// *ConfigError keyed by the field's namespace.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ConfigError{
			Key:    fe.Namespace(),
			Value:  fmt.Sprint(fe.Value()),
			Reason: fmt.Sprintf("failed on %q", fe.Tag()),
		}
	}
	return &ConfigError{Reason: "validation failed", Err: err}
}
