// Package targets resolves the enforcement recipients for an infringement from
// a YAML provider directory.
package targets

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"enforcer/internal/enforcement"
	"enforcer/internal/services"
)

//go:embed sample_targets.yaml
var sampleDirectory []byte

// Sample returns the commented example directory written by config init.
func Sample() []byte {
	out := make([]byte, len(sampleDirectory))
	copy(out, sampleDirectory)
	return out
}

// Provider is one directory entry.
type Provider struct {
	Name       string                     `yaml:"name"`
	Tier       enforcement.TargetTier     `yaml:"tier"`
	Method     enforcement.DeliveryMethod `yaml:"method"`
	Recipient  string                     `yaml:"recipient,omitempty"`
	FormURL    string                     `yaml:"form_url,omitempty"`
	Domains    []string                   `yaml:"domains,omitempty"`
	Hosting    []string                   `yaml:"hosting,omitempty"`
	Registrars []string                   `yaml:"registrars,omitempty"`
	Always     bool                       `yaml:"always,omitempty"`
}

// Target converts the provider into a queue target.
func (p Provider) Target() enforcement.Target {
	return enforcement.Target{
		Tier:      p.Tier,
		Name:      p.Name,
		Method:    p.Method,
		Recipient: p.Recipient,
		FormURL:   p.FormURL,
	}
}

type document struct {
	Providers []Provider `yaml:"providers"`
}

// Directory resolves targets for infringements. The zero value resolves only
// the fallback abuse contact from an infringement's infrastructure profile.
type Directory struct {
	providers []Provider
}

// Load reads a directory file. A missing file yields an empty directory.
func Load(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Directory{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read provider directory: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a directory document.
func Parse(data []byte) (*Directory, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "targets", "parse", "invalid provider directory", err)
	}
	for i := range doc.Providers {
		p := &doc.Providers[i]
		p.Tier = enforcement.TargetTier(strings.ToLower(strings.TrimSpace(string(p.Tier))))
		p.Method = enforcement.DeliveryMethod(strings.ToLower(strings.TrimSpace(string(p.Method))))
		if err := p.Target().Validate(); err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "targets", "parse",
				fmt.Sprintf("provider %d (%s)", i, p.Name), err)
		}
		p.Domains = normalizeAll(p.Domains)
		p.Hosting = normalizeAll(p.Hosting)
		p.Registrars = normalizeAll(p.Registrars)
	}
	return &Directory{providers: doc.Providers}, nil
}

// Providers returns a copy of the directory entries.
func (d *Directory) Providers() []Provider {
	out := make([]Provider, len(d.providers))
	copy(out, d.providers)
	return out
}

// Resolve returns the targets for inf ordered platform, hosting, registrar,
// search engine. Within a tier directory order is kept. When no hosting
// provider matches but the infrastructure profile carries an abuse address,
// that address becomes the hosting target.
func (d *Directory) Resolve(_ context.Context, inf *enforcement.Infringement) ([]enforcement.Target, error) {
	if inf == nil {
		return nil, services.Wrap(services.ErrValidation, "targets", "resolve", "missing infringement", nil)
	}
	hosts := hostCandidates(inf)
	var infra enforcement.InfrastructureProfile
	if inf.Infrastructure != nil {
		infra = *inf.Infrastructure
	}

	var out []enforcement.Target
	hostingMatched := false
	for _, p := range d.providers {
		if !p.matches(hosts, infra) {
			continue
		}
		if p.Tier == enforcement.TierHosting {
			hostingMatched = true
		}
		out = append(out, p.Target())
	}
	if !hostingMatched && strings.Contains(infra.AbuseEmail, "@") {
		name := strings.TrimSpace(infra.HostingProvider)
		if name == "" {
			name = "Hosting provider"
		}
		out = append(out, enforcement.Target{
			Tier:      enforcement.TierHosting,
			Name:      name,
			Method:    enforcement.MethodDirectEmail,
			Recipient: strings.TrimSpace(infra.AbuseEmail),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Tier.Rank() < out[j].Tier.Rank()
	})
	return out, nil
}

func (p Provider) matches(hosts []string, infra enforcement.InfrastructureProfile) bool {
	if p.Always {
		return true
	}
	for _, domain := range p.Domains {
		for _, host := range hosts {
			if host == domain || strings.HasSuffix(host, "."+domain) {
				return true
			}
		}
	}
	if containsFold(p.Hosting, infra.HostingProvider) || containsFold(p.Hosting, infra.CDN) {
		return true
	}
	return containsFold(p.Registrars, infra.Registrar)
}

func hostCandidates(inf *enforcement.Infringement) []string {
	var hosts []string
	for _, value := range []string{inf.Platform, inf.Domain} {
		if value = normalize(value); value != "" {
			hosts = append(hosts, value)
		}
	}
	return hosts
}

func containsFold(list []string, value string) bool {
	value = normalize(value)
	if value == "" {
		return false
	}
	for _, candidate := range list {
		if candidate == value {
			return true
		}
	}
	return false
}

func normalize(value string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(value)), ".")
}

func normalizeAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = normalize(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
