package icloud

import (
	"fmt"
	"os"
	"strings"

	"howett.net/plist"
)

const (
	// ContainerIdentifiersKey lists the CloudKit containers an app may use
	ContainerIdentifiersKey = "com.apple.developer.icloud-container-identifiers"
	// ICloudServicesKey lists the iCloud services an app uses (CloudKit, CloudDocuments)
	ICloudServicesKey = "com.apple.developer.icloud-services"
)

// ParseEntitlementsXML parses XML plist entitlements into a map
func ParseEntitlementsXML(data []byte) (map[string]interface{}, error) {
	var entitlements map[string]interface{}
	_, err := plist.Unmarshal(data, &entitlements)
	if err != nil {
		return nil, fmt.Errorf("failed to parse entitlements XML: %w", err)
	}
	return entitlements, nil
}

// ReadEntitlementsFile reads and parses an .entitlements file
func ReadEntitlementsFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read entitlements: %w", err)
	}
	return ParseEntitlementsXML(data)
}

// ContainerIdentifiers returns the iCloud container identifiers declared in entitlements
func ContainerIdentifiers(entitlements map[string]interface{}) []string {
	return stringList(entitlements[ContainerIdentifiersKey])
}

// ICloudServices returns the iCloud services declared in entitlements
func ICloudServices(entitlements map[string]interface{}) []string {
	return stringList(entitlements[ICloudServicesKey])
}

// GrantsContainer reports whether entitlements allow containerID.
// Profiles may use wildcards such as "*" or "iCloud.*".
func GrantsContainer(entitlements map[string]interface{}, containerID string) bool {
	for _, id := range ContainerIdentifiers(entitlements) {
		if id == containerID {
			return true
		}
		if prefix, ok := strings.CutSuffix(id, "*"); ok && strings.HasPrefix(containerID, prefix) {
			return true
		}
	}
	return false
}

// stringList converts a plist array to strings, dropping non-string items
func stringList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}

	list := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			list = append(list, s)
		}
	}
	return list
}
