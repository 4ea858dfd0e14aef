package icloud

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

// ErrContainerNotGranted is returned when a profile or signature lacks the container
var ErrContainerNotGranted = errors.New("iCloud container not granted")

// ProvisioningProfile represents a parsed .mobileprovision file
type ProvisioningProfile struct {
	Name                        string                 `plist:"Name"`
	TeamName                    string                 `plist:"TeamName"`
	TeamIdentifier              []string               `plist:"TeamIdentifier"`
	AppIDName                   string                 `plist:"AppIDName"`
	ApplicationIdentifierPrefix []string               `plist:"ApplicationIdentifierPrefix"`
	Entitlements                map[string]interface{} `plist:"Entitlements"`
	CreationDate                time.Time              `plist:"CreationDate"`
	ExpirationDate              time.Time              `plist:"ExpirationDate"`
	UUID                        string                 `plist:"UUID"`
}

// ParseProvisioningProfile parses a .mobileprovision file
// The file is a CMS (PKCS#7) signed container with a plist payload
func ParseProvisioningProfile(data []byte) (*ProvisioningProfile, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#7 container: %w", err)
	}

	var profile ProvisioningProfile
	_, err = plist.Unmarshal(p7.Content, &profile)
	if err != nil {
		return nil, fmt.Errorf("failed to parse provisioning profile plist: %w", err)
	}

	return &profile, nil
}

// ReadProvisioningProfile reads and parses the profile at path
func ReadProvisioningProfile(path string) (*ProvisioningProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provisioning profile: %w", err)
	}
	return ParseProvisioningProfile(data)
}

// GetTeamID returns the team identifier from the profile
func (p *ProvisioningProfile) GetTeamID() string {
	if len(p.TeamIdentifier) > 0 {
		return p.TeamIdentifier[0]
	}
	if len(p.ApplicationIdentifierPrefix) > 0 {
		return p.ApplicationIdentifierPrefix[0]
	}
	return ""
}

// GetApplicationIdentifier returns the application identifier from entitlements
func (p *ProvisioningProfile) GetApplicationIdentifier() string {
	if appID, ok := p.Entitlements["application-identifier"].(string); ok {
		return appID
	}
	return ""
}

// IsExpired checks if the provisioning profile has expired
func (p *ProvisioningProfile) IsExpired() bool {
	return time.Now().After(p.ExpirationDate)
}

// CheckContainer returns ErrContainerNotGranted unless the profile's
// entitlements allow containerID
func (p *ProvisioningProfile) CheckContainer(containerID string) error {
	if !GrantsContainer(p.Entitlements, containerID) {
		return fmt.Errorf("%w: profile %q does not list %s", ErrContainerNotGranted, p.Name, containerID)
	}
	return nil
}
