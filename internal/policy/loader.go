package policy

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Extra-Chill/plasma-warden/internal/model"
)

// File is the on-disk policy document.
type File struct {
	Policies []model.Policy `yaml:"policies"`
}

// LoadFromFile reads a YAML policy file.
func LoadFromFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses YAML bytes into a policy File.
func LoadFromBytes(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse policy YAML: %w", err)
	}

	for i, p := range f.Policies {
		if p.ID == "" {
			return nil, fmt.Errorf("policy %d: id is required", i)
		}
		if p.OrganizationID == "" {
			return nil, fmt.Errorf("policy %s: organization_id is required", p.ID)
		}
	}

	return &f, nil
}

// SaveToFile writes policies to a YAML file.
func SaveToFile(f *File, path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal policies: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write policy file: %w", err)
	}

	return nil
}

// ForOrganization returns the policies in f that belong to orgID.
func (f *File) ForOrganization(orgID string) []model.Policy {
	out := make([]model.Policy, 0)
	for _, p := range f.Policies {
		if p.OrganizationID == orgID {
			out = append(out, p)
		}
	}
	return out
}

// ListPolicies implements Source so a policy file can back a Matcher directly.
func (f *File) ListPolicies(_ context.Context, orgID string) ([]model.Policy, error) {
	return f.ForOrganization(orgID), nil
}
