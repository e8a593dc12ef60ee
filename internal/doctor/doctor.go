// Package doctor checks a studiobridge configuration beyond what loading
// enforces: exposure, credentials, integrity and tuning that is legal but
// likely wrong.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mattjoyce/studiobridge/internal/auth"
	"github.com/mattjoyce/studiobridge/internal/catalog"
	"github.com/mattjoyce/studiobridge/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a parsed configuration against the route catalog.
type Doctor struct {
	cfg        *config.Config
	catalog    *catalog.Catalog
	catalogErr error
}

// New creates a Doctor. A nil catalog means the config directory's override,
// falling back to the built-in one.
func New(cfg *config.Config, cat *catalog.Catalog) *Doctor {
	d := &Doctor{cfg: cfg, catalog: cat}
	if cat == nil && cfg.CatalogPath != "" {
		d.catalog, d.catalogErr = catalog.LoadFile(cfg.CatalogPath)
	}
	if d.catalog == nil {
		d.catalog = catalog.Default()
	}
	return d
}

var envVarRe = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateSchema(r)
	d.validateAPIExposure(r)
	d.validateTokens(r)
	d.validateAssistant(r)
	d.validateQueueTuning(r)
	d.validateIntegrity(r)
	d.validateCatalog(r)
	d.warnMissingEnvVars(r)
	d.warnLegacyAPIKey(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateSchema reports what config.Validate would refuse at startup.
func (d *Doctor) validateSchema(r *Result) {
	if err := d.cfg.Validate(); err != nil {
		d.addError(r, "schema", "", err.Error())
	}
}

// validateAPIExposure flags an open API that is reachable off-host.
func (d *Doctor) validateAPIExposure(r *Result) {
	if d.cfg.API.Auth.Enabled() {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		return
	}
	if isLoopback(host) {
		d.addWarning(r, "api", "api.auth", "no credentials configured; any local process can queue commands")
		return
	}
	d.addError(r, "api", "api.listen",
		fmt.Sprintf("listening on %q without credentials exposes the editor to the network", d.cfg.API.Listen))
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// validateTokens checks token uniqueness and flags broad grants.
func (d *Doctor) validateTokens(r *Result) {
	seen := make(map[string]int)
	for i, tok := range d.cfg.API.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d]", i)
		if tok.Token != "" {
			if prev, ok := seen[tok.Token]; ok {
				d.addError(r, "tokens", field+".token",
					fmt.Sprintf("token duplicates api.auth.tokens[%d]", prev))
			}
			seen[tok.Token] = i
			if tok.Token == d.cfg.API.Auth.APIKey {
				d.addWarning(r, "tokens", field+".token", "token equals api_key and so already has every scope")
			}
			if len(tok.Token) < 16 && !envVarRe.MatchString(tok.Token) {
				d.addWarning(r, "tokens", field+".token", "token is shorter than 16 characters")
			}
		}
		for j, scope := range tok.Scopes {
			sf := fmt.Sprintf("%s.scopes[%d]", field, j)
			if err := auth.ValidateScopes([]string{scope}); err != nil {
				d.addError(r, "tokens", sf, err.Error())
				continue
			}
			if scope == auth.ScopeAll {
				d.addWarning(r, "tokens", sf, "wildcard scope grants execution of dangerous plans")
			}
		}
	}
}

// validateAssistant checks provider wiring against the selected default.
func (d *Doctor) validateAssistant(r *Result) {
	a := d.cfg.Assistant
	selected := strings.ToLower(strings.TrimSpace(a.Provider))
	for name, pc := range a.Providers.ByName() {
		field := "assistant.providers." + name
		if pc.APIKey == "" {
			if name == selected {
				d.addError(r, "assistant", field+".api_key",
					fmt.Sprintf("provider %q is the default but has no api_key", name))
			}
			continue
		}
		if pc.Model == "" {
			d.addWarning(r, "assistant", field+".model",
				fmt.Sprintf("provider %q has no model; requests must name one", name))
		}
	}
	if a.MaxCommands > len(d.catalog.List())*4 {
		d.addWarning(r, "assistant", "assistant.max_commands",
			fmt.Sprintf("max_commands %d is far above the catalog size", a.MaxCommands))
	}
}

// validateQueueTuning flags legal but suspicious timing.
func (d *Doctor) validateQueueTuning(r *Result) {
	q := d.cfg.Queue
	if d.cfg.Service.SweepInterval > 0 && q.LeaseTimeout > 0 && d.cfg.Service.SweepInterval >= q.LeaseTimeout {
		d.addWarning(r, "queue", "service.sweep_interval",
			fmt.Sprintf("sweep interval %s is not shorter than lease timeout %s; expired leases linger",
				d.cfg.Service.SweepInterval, q.LeaseTimeout))
	}
	if q.Retention == 0 {
		d.addWarning(r, "queue", "queue.retention", "retention is 0; terminal commands are kept forever")
	}
}

// validateIntegrity checks the checksum manifest next to the config file.
func (d *Doctor) validateIntegrity(r *Result) {
	if d.cfg.Path == "" {
		return
	}
	err := config.Verify(filepath.Dir(d.cfg.Path), config.LockedFiles)
	switch {
	case errors.Is(err, config.ErrUnlocked):
		d.addWarning(r, "integrity", "", "config is not locked; run `studiobridge config lock`")
	case err != nil:
		d.addError(r, "integrity", "", err.Error())
	}
}

// validateCatalog reports a catalog.yaml override that does not load.
func (d *Doctor) validateCatalog(r *Result) {
	if d.catalogErr != nil {
		d.addError(r, "catalog", "", d.catalogErr.Error())
		return
	}
	if d.cfg.CatalogPath != "" {
		d.addWarning(r, "catalog", "", fmt.Sprintf("built-in catalog replaced by %s (%d routes)",
			d.cfg.CatalogPath, len(d.catalog.List())))
	}
}

// warnMissingEnvVars warns about credentials that still hold ${VAR}.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	check := func(field, value string) {
		for _, m := range envVarRe.FindAllStringSubmatch(value, -1) {
			d.addWarning(r, "env_vars", field, fmt.Sprintf("environment variable ${%s} not set", m[1]))
		}
	}
	check("api.auth.api_key", d.cfg.API.Auth.APIKey)
	for i, tok := range d.cfg.API.Auth.Tokens {
		check(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token)
	}
	for name, pc := range d.cfg.Assistant.Providers.ByName() {
		check("assistant.providers."+name+".api_key", pc.APIKey)
	}
}

func (d *Doctor) warnLegacyAPIKey(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "auth", "api.auth.api_key",
			"api_key grants every scope; give workers a token scoped to worker")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
