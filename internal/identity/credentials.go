// ABOUTME: Parses the identity provider's service-account credential bundle.
// ABOUTME: The bundle pins the project whose ID tokens are accepted; parse failures are fatal at startup.

package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidCredentials indicates the credential bundle could not be used.
var ErrInvalidCredentials = errors.New("invalid identity credentials")

// Credentials is the subset of a service-account bundle the verifier needs.
type Credentials struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	ClientEmail  string `json:"client_email"`
	ClientID     string `json:"client_id"`
}

// ParseCredentials decodes a credential bundle. projectOverride, when set, replaces
// the bundle's project_id.
func ParseCredentials(raw string, projectOverride string) (*Credentials, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty bundle", ErrInvalidCredentials)
	}

	var creds Credentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	if creds.Type != "" && creds.Type != "service_account" {
		return nil, fmt.Errorf("%w: unsupported credential type %q", ErrInvalidCredentials, creds.Type)
	}

	if projectOverride != "" {
		creds.ProjectID = projectOverride
	}
	if creds.ProjectID == "" {
		return nil, fmt.Errorf("%w: project_id is required", ErrInvalidCredentials)
	}

	return &creds, nil
}
