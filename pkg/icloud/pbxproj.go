package icloud

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var (
	// ErrTargetNotFound is returned when no native target with the given name exists
	ErrTargetNotFound = errors.New("target not found")
	// ErrProjectSectionNotFound is returned when the manifest has no PBXProject section
	ErrProjectSectionNotFound = errors.New("PBXProject section not found")
	// ErrTargetAttributesNotFound is returned when the PBXProject section has no TargetAttributes
	ErrTargetAttributesNotFound = errors.New("TargetAttributes not found in project")
)

var (
	projectSectionRe     = regexp.MustCompile(`(?s)/\* Begin PBXProject section \*/.*?/\* End PBXProject section \*/`)
	targetAttributesRe   = regexp.MustCompile(`TargetAttributes\s*=\s*\{`)
	buildConfigurationRe = regexp.MustCompile(`/\* (Debug|Release) \*/ = \{`)
	buildSettingsRe      = regexp.MustCompile(`buildSettings\s*=\s*\{`)
	unquotedValueRe      = regexp.MustCompile(`^[A-Za-z0-9_$/:.\-]+$`)
)

const (
	systemCapabilitiesKey = "SystemCapabilities"
	entitlementsSetting   = "CODE_SIGN_ENTITLEMENTS"
	bundleIDSetting       = "PRODUCT_BUNDLE_IDENTIFIER"
)

// CapabilityResult describes what AddICloudCapability changed
type CapabilityResult struct {
	AlreadyConfigured     bool // Target already declared SystemCapabilities; left untouched
	TargetBlockCreated    bool // Target had no TargetAttributes entry; one was added
	EntitlementsRefsAdded int  // Build configurations that gained CODE_SIGN_ENTITLEMENTS
}

// FindTargetID returns the object ID of the native target named targetName.
// Only the first match is considered.
func FindTargetID(content, targetName string) (string, error) {
	pattern := regexp.MustCompile(`([A-F0-9]{24}) /\* ` + regexp.QuoteMeta(targetName) + ` \*/ = \{\s*isa = PBXNativeTarget;`)
	match := pattern.FindStringSubmatch(content)
	if match == nil {
		return "", fmt.Errorf("%w: %s", ErrTargetNotFound, targetName)
	}
	return match[1], nil
}

// FindTargetIDInFile reads the project manifest at path and calls FindTargetID
func FindTargetIDInFile(path, targetName string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read project: %w", err)
	}
	return FindTargetID(string(data), targetName)
}

// AddICloudCapability registers the iCloud capability for targetID in the
// project's TargetAttributes and adds a CODE_SIGN_ENTITLEMENTS setting to
// every Debug/Release build configuration of the app. Configurations that
// mention the <targetName>Tests or <targetName>UITests target, already
// reference an entitlements file, or have no PRODUCT_BUNDLE_IDENTIFIER are
// skipped.
//
// A target that already declares SystemCapabilities is reported as already
// configured and left as is; the build settings are still updated.
func AddICloudCapability(content, targetID, targetName, entitlementsPath string) (string, CapabilityResult, error) {
	var result CapabilityResult

	attrs, err := locateTargetAttributes(content, targetID)
	if err != nil {
		return content, result, err
	}

	switch {
	case attrs.blockOpen < 0:
		content = insertTargetBlock(content, attrs, targetID)
		result.TargetBlockCreated = true
	case strings.Contains(content[attrs.blockOpen:attrs.blockClose], systemCapabilitiesKey):
		result.AlreadyConfigured = true
	default:
		content = appendCapabilities(content, attrs)
	}

	content, result.EntitlementsRefsAdded = injectEntitlementsRef(content, targetName, entitlementsPath)
	return content, result, nil
}

// AddICloudCapabilityToProject applies AddICloudCapability to the project
// manifest at path. The file is only rewritten when something changed.
func AddICloudCapabilityToProject(path, targetID, targetName, entitlementsPath string) (CapabilityResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return CapabilityResult{}, fmt.Errorf("failed to stat project: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return CapabilityResult{}, fmt.Errorf("failed to read project: %w", err)
	}

	content, result, err := AddICloudCapability(string(data), targetID, targetName, entitlementsPath)
	if err != nil {
		return result, err
	}

	if content == string(data) {
		return result, nil
	}

	if err := os.WriteFile(path, []byte(content), info.Mode().Perm()); err != nil {
		return result, fmt.Errorf("failed to write project: %w", err)
	}

	return result, nil
}

// ProjectStatus is a read-only summary of the iCloud setup state of a manifest
type ProjectStatus struct {
	CapabilityConfigured bool
	EntitlementsRefs     int
}

// InspectProject reports whether targetID declares SystemCapabilities and
// how many of the app's build configurations set CODE_SIGN_ENTITLEMENTS.
// Configurations are selected the same way AddICloudCapability selects them.
func InspectProject(content, targetID, targetName string) (ProjectStatus, error) {
	attrs, err := locateTargetAttributes(content, targetID)
	if err != nil {
		return ProjectStatus{}, err
	}

	var status ProjectStatus
	if attrs.blockOpen >= 0 {
		status.CapabilityConfigured = strings.Contains(content[attrs.blockOpen:attrs.blockClose], systemCapabilitiesKey)
	}
	for _, settings := range appBuildSettings(content, targetName) {
		if settings.hasEntitlements {
			status.EntitlementsRefs++
		}
	}
	return status, nil
}

// targetAttributes holds brace offsets into the manifest. blockOpen and
// blockClose are -1 when TargetAttributes has no entry for the target.
type targetAttributes struct {
	open, close           int
	blockOpen, blockClose int
}

func locateTargetAttributes(content, targetID string) (targetAttributes, error) {
	attrs := targetAttributes{blockOpen: -1, blockClose: -1}

	section := projectSectionRe.FindStringIndex(content)
	if section == nil {
		return attrs, ErrProjectSectionNotFound
	}

	loc := targetAttributesRe.FindStringIndex(content[section[0]:section[1]])
	if loc == nil {
		return attrs, ErrTargetAttributesNotFound
	}
	attrs.open = section[0] + loc[1] - 1
	attrs.close = matchingBrace(content, attrs.open)
	if attrs.close < 0 || attrs.close > section[1] {
		return attrs, fmt.Errorf("%w: unterminated block", ErrTargetAttributesNotFound)
	}

	targetRe := regexp.MustCompile(`\b` + regexp.QuoteMeta(targetID) + `(?: /\*[^*]*\*/)?\s*=\s*\{`)
	loc = targetRe.FindStringIndex(content[attrs.open:attrs.close])
	if loc == nil {
		return attrs, nil
	}
	attrs.blockOpen = attrs.open + loc[1] - 1
	attrs.blockClose = matchingBrace(content, attrs.blockOpen)
	if attrs.blockClose < 0 || attrs.blockClose > attrs.close {
		return attrs, fmt.Errorf("%w: unterminated block for target %s", ErrTargetAttributesNotFound, targetID)
	}
	return attrs, nil
}

// appendCapabilities rewrites the target's "<id> = { ... }" span with the
// capability fragment appended before the closing brace
func appendCapabilities(content string, attrs targetAttributes) string {
	indent := lineIndent(content, attrs.blockOpen)
	body := strings.TrimRight(content[attrs.blockOpen+1:attrs.blockClose], " \t\r\n")
	return content[:attrs.blockOpen+1] + body + "\n" + capabilityFragment(indent+"\t") + indent + content[attrs.blockClose:]
}

func insertTargetBlock(content string, attrs targetAttributes, targetID string) string {
	indent := lineIndent(content, attrs.open) + "\t"
	block := indent + targetID + " = {\n" + capabilityFragment(indent+"\t") + indent + "};\n"
	return insertBeforeClose(content, attrs.open, attrs.close, block)
}

func capabilityFragment(indent string) string {
	lines := []string{
		systemCapabilitiesKey + " = {",
		"\tcom.apple.iCloud = {",
		"\t\tenabled = 1;",
		"\t};",
		"\tcom.apple.ApplicationGroups.iOS = {",
		"\t\tenabled = 0;",
		"\t};",
		"};",
	}

	var b strings.Builder
	for _, line := range lines {
		b.WriteString(indent)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func injectEntitlementsRef(content, targetName, entitlementsPath string) (string, int) {
	setting := entitlementsSetting + " = " + quoteValue(entitlementsPath) + ";"

	// Walk backwards so edits never shift the offsets still to be visited
	blocks := appBuildSettings(content, targetName)
	added := 0
	for i := len(blocks) - 1; i >= 0; i-- {
		settings := blocks[i]
		if settings.hasEntitlements {
			continue
		}
		line := lineIndent(content, settings.open) + "\t" + setting + "\n"
		content = insertBeforeClose(content, settings.open, settings.close, line)
		added++
	}

	return content, added
}

// buildSettingsBlock holds the brace offsets of a buildSettings dictionary
type buildSettingsBlock struct {
	open, close     int
	hasEntitlements bool
}

// appBuildSettings returns the buildSettings of every Debug/Release
// configuration that belongs to the app. Configurations naming the
// <targetName>Tests or <targetName>UITests target, or without a
// PRODUCT_BUNDLE_IDENTIFIER, are left out.
func appBuildSettings(content, targetName string) []buildSettingsBlock {
	testTargetRe := regexp.MustCompile(`\b` + regexp.QuoteMeta(targetName) + `(?:UI)?Tests\b`)

	var blocks []buildSettingsBlock
	for _, m := range buildConfigurationRe.FindAllStringIndex(content, -1) {
		cfgOpen := m[1] - 1
		cfgClose := matchingBrace(content, cfgOpen)
		if cfgClose < 0 {
			continue
		}

		cfg := content[cfgOpen : cfgClose+1]
		if testTargetRe.MatchString(cfg) || !strings.Contains(cfg, bundleIDSetting) {
			continue
		}

		loc := buildSettingsRe.FindStringIndex(cfg)
		if loc == nil {
			continue
		}
		settingsOpen := cfgOpen + loc[1] - 1
		settingsClose := matchingBrace(content, settingsOpen)
		if settingsClose < 0 || settingsClose > cfgClose {
			continue
		}

		blocks = append(blocks, buildSettingsBlock{
			open:            settingsOpen,
			close:           settingsClose,
			hasEntitlements: strings.Contains(cfg, entitlementsSetting),
		})
	}
	return blocks
}

// insertBeforeClose inserts text as whole lines just before the closing
// brace of the block spanning open..close
func insertBeforeClose(content string, openIdx, closeIdx int, text string) string {
	at := strings.LastIndexByte(content[:closeIdx], '\n') + 1
	if at <= openIdx || strings.TrimSpace(content[at:closeIdx]) != "" {
		// Closing brace shares a line with other content
		return content[:closeIdx] + "\n" + text + lineIndent(content, openIdx) + content[closeIdx:]
	}
	return content[:at] + text + content[at:]
}

// matchingBrace returns the offset of the brace closing the one at open,
// skipping quoted strings and comments, or -1 if there is none
func matchingBrace(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '"':
			for i++; i < len(s) && s[i] != '"'; i++ {
				if s[i] == '\\' {
					i++
				}
			}
		case '/':
			if strings.HasPrefix(s[i:], "/*") {
				end := strings.Index(s[i+2:], "*/")
				if end < 0 {
					return -1
				}
				i += end + 3
			} else if strings.HasPrefix(s[i:], "//") {
				end := strings.IndexByte(s[i:], '\n')
				if end < 0 {
					return -1
				}
				i += end
			}
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// lineIndent returns the leading whitespace of the line containing pos
func lineIndent(s string, pos int) string {
	start := strings.LastIndexByte(s[:pos], '\n') + 1
	end := start
	for end < len(s) && (s[end] == ' ' || s[end] == '\t') {
		end++
	}
	return s[start:end]
}

// quoteValue quotes v the way Xcode writes strings that are not plain identifiers or paths
func quoteValue(v string) string {
	if unquotedValueRe.MatchString(v) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(v) + `"`
}
