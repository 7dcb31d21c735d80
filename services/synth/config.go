package synth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Defaults applied to optional AppConfig fields.
const (
	DefaultDescription = "Generated ERPNext App"
	DefaultPublisher   = "Your Company"
	DefaultEmail       = "admin@example.com"
	DefaultLicense     = "MIT"
	DefaultVersion     = "1.0.0"
)

// ErrInvalidAppConfig is returned when an app name is missing or not identifier-safe.
var ErrInvalidAppConfig = errors.New("invalid app config")

// ErrUnsafePath is returned when a PRD name cannot be turned into a file
// inside the generated app.
var ErrUnsafePath = errors.New("unsafe app path")

var (
	appNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	versionPattern = regexp.MustCompile(`^v?[0-9]+(\.[0-9]+){0,2}([-+][0-9A-Za-z.-]+)?$`)
)

// AppConfig describes the app being generated.
type AppConfig struct {
	Name        string `json:"name" yaml:"name"`
	Title       string `json:"title,omitempty" yaml:"title,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Publisher   string `json:"publisher,omitempty" yaml:"publisher,omitempty"`
	Email       string `json:"email,omitempty" yaml:"email,omitempty"`
	License     string `json:"license,omitempty" yaml:"license,omitempty"`
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`
}

// Validate reports whether the app name can be used as a Python package name
// and the version, when set, looks like a release number.
func (c AppConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidAppConfig)
	}
	if !appNamePattern.MatchString(c.Name) {
		return fmt.Errorf("%w: name %q must match %s", ErrInvalidAppConfig, c.Name, appNamePattern)
	}
	if c.Version != "" && (!versionPattern.MatchString(c.Version) || strings.Contains(c.Version, "..")) {
		return fmt.Errorf("%w: version %q is not a release number", ErrInvalidAppConfig, c.Version)
	}
	return nil
}

// WithDefaults returns a copy with every empty optional field filled in.
func (c AppConfig) WithDefaults() AppConfig {
	if c.Title == "" {
		c.Title = c.Name
	}
	if c.Description == "" {
		c.Description = DefaultDescription
	}
	if c.Publisher == "" {
		c.Publisher = DefaultPublisher
	}
	if c.Email == "" {
		c.Email = DefaultEmail
	}
	if c.License == "" {
		c.License = DefaultLicense
	}
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	return c
}
