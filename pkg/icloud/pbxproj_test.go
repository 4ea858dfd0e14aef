package icloud

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"howett.net/plist"
)

const (
	appTargetID       = "A1B2C3D4E5F60718293A4B5C"
	testTargetID      = "A1B2C3D4E5F60718293A4B6D"
	uiTestTargetID    = "A1B2C3D4E5F60718293A4B7E"
	testEntitlements  = "BottleKeeper/BottleKeeper.entitlements"
	appDebugConfig    = "A1B2C3D4E5F60718293A4B03"
	appReleaseConfig  = "A1B2C3D4E5F60718293A4B04"
	uiTestDebugConfig = "A1B2C3D4E5F60718293A4B07"
	projectRootObject = "A1B2C3D4E5F60718293A4B00"
)

func loadFixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("Failed to read fixture %s: %v", name, err)
	}
	return string(data)
}

// decodeObjects parses a manifest as an OpenStep plist and returns its objects dictionary
func decodeObjects(t *testing.T, content string) map[string]interface{} {
	t.Helper()
	var project map[string]interface{}
	if _, err := plist.Unmarshal([]byte(content), &project); err != nil {
		t.Fatalf("Patched project is not a valid property list: %v", err)
	}
	objects, ok := project["objects"].(map[string]interface{})
	if !ok {
		t.Fatal("Project has no objects dictionary")
	}
	return objects
}

func dict(t *testing.T, m map[string]interface{}, keys ...string) map[string]interface{} {
	t.Helper()
	cur := m
	for _, key := range keys {
		next, ok := cur[key].(map[string]interface{})
		if !ok {
			t.Fatalf("Missing dictionary %q (path %v)", key, keys)
		}
		cur = next
	}
	return cur
}

func targetAttributesOf(t *testing.T, objects map[string]interface{}) map[string]interface{} {
	t.Helper()
	return dict(t, objects, projectRootObject, "attributes", "TargetAttributes")
}

func TestFindTargetID(t *testing.T) {
	content := loadFixture(t, "project.pbxproj")

	id, err := FindTargetID(content, "BottleKeeper")
	if err != nil {
		t.Fatalf("FindTargetID failed: %v", err)
	}
	if id != appTargetID {
		t.Errorf("Expected target ID %s, got %s", appTargetID, id)
	}

	id, err = FindTargetID(content, "BottleKeeperTests")
	if err != nil {
		t.Fatalf("FindTargetID failed for test target: %v", err)
	}
	if id != testTargetID {
		t.Errorf("Expected test target ID %s, got %s", testTargetID, id)
	}
}

func TestFindTargetID_NotFound(t *testing.T) {
	content := loadFixture(t, "project.pbxproj")

	id, err := FindTargetID(content, "WineKeeper")
	if !errors.Is(err, ErrTargetNotFound) {
		t.Fatalf("Expected ErrTargetNotFound, got %v", err)
	}
	if id != "" {
		t.Errorf("Expected empty ID, got %s", id)
	}
	if !strings.Contains(err.Error(), "WineKeeper") {
		t.Errorf("Error should name the target, got %q", err.Error())
	}
}

func TestFindTargetID_RegexpMetacharacters(t *testing.T) {
	content := loadFixture(t, "project.pbxproj")

	// "." must not match arbitrary characters in the target name
	if _, err := FindTargetID(content, "Bottle.eeper"); !errors.Is(err, ErrTargetNotFound) {
		t.Errorf("Expected ErrTargetNotFound for a regexp-like name, got %v", err)
	}
}

func TestFindTargetIDInFile_MissingFile(t *testing.T) {
	_, err := FindTargetIDInFile(filepath.Join(t.TempDir(), "project.pbxproj"), "BottleKeeper")
	if err == nil {
		t.Fatal("Expected an error for a missing project file")
	}
	if errors.Is(err, ErrTargetNotFound) {
		t.Error("A missing file should not be reported as a missing target")
	}
}

func TestAddICloudCapability(t *testing.T) {
	content := loadFixture(t, "project.pbxproj")

	patched, result, err := AddICloudCapability(content, appTargetID, "BottleKeeper", testEntitlements)
	if err != nil {
		t.Fatalf("AddICloudCapability failed: %v", err)
	}
	if result.AlreadyConfigured || result.TargetBlockCreated {
		t.Errorf("Unexpected result flags: %+v", result)
	}
	if result.EntitlementsRefsAdded != 2 {
		t.Errorf("Expected 2 entitlements references, got %d", result.EntitlementsRefsAdded)
	}

	objects := decodeObjects(t, patched)
	attrs := targetAttributesOf(t, objects)

	app := dict(t, attrs, appTargetID)
	if app["CreatedOnToolsVersion"] != "15.0" {
		t.Errorf("Existing target attributes should be kept, got %v", app["CreatedOnToolsVersion"])
	}
	if got := dict(t, app, "SystemCapabilities", "com.apple.iCloud")["enabled"]; got != "1" {
		t.Errorf("Expected com.apple.iCloud enabled = 1, got %v", got)
	}
	if got := dict(t, app, "SystemCapabilities", "com.apple.ApplicationGroups.iOS")["enabled"]; got != "0" {
		t.Errorf("Expected com.apple.ApplicationGroups.iOS enabled = 0, got %v", got)
	}

	for _, id := range []string{testTargetID, uiTestTargetID} {
		if _, ok := dict(t, attrs, id)["SystemCapabilities"]; ok {
			t.Errorf("Test target %s should not gain SystemCapabilities", id)
		}
	}

	for _, id := range []string{appDebugConfig, appReleaseConfig} {
		settings := dict(t, objects, id, "buildSettings")
		if settings["CODE_SIGN_ENTITLEMENTS"] != testEntitlements {
			t.Errorf("Config %s: expected CODE_SIGN_ENTITLEMENTS = %s, got %v", id, testEntitlements, settings["CODE_SIGN_ENTITLEMENTS"])
		}
	}

	// Project-level configs have no bundle ID; the others belong to the unit and UI test targets
	for _, id := range []string{
		"A1B2C3D4E5F60718293A4B01", "A1B2C3D4E5F60718293A4B02",
		"A1B2C3D4E5F60718293A4B05", "A1B2C3D4E5F60718293A4B06",
		uiTestDebugConfig, "A1B2C3D4E5F60718293A4B08",
	} {
		if _, ok := dict(t, objects, id, "buildSettings")["CODE_SIGN_ENTITLEMENTS"]; ok {
			t.Errorf("Config %s should not reference the entitlements file", id)
		}
	}

	if n := strings.Count(patched, "CODE_SIGN_ENTITLEMENTS"); n != 2 {
		t.Errorf("Expected exactly 2 CODE_SIGN_ENTITLEMENTS lines, got %d", n)
	}
}

func TestAddICloudCapability_Indentation(t *testing.T) {
	content := loadFixture(t, "project.pbxproj")

	patched, _, err := AddICloudCapability(content, appTargetID, "BottleKeeper", testEntitlements)
	if err != nil {
		t.Fatalf("AddICloudCapability failed: %v", err)
	}

	expectedBlock := "\t\t\t\t\t" + appTargetID + " = {\n" +
		"\t\t\t\t\t\tCreatedOnToolsVersion = 15.0;\n" +
		"\t\t\t\t\t\tSystemCapabilities = {\n" +
		"\t\t\t\t\t\t\tcom.apple.iCloud = {\n" +
		"\t\t\t\t\t\t\t\tenabled = 1;\n" +
		"\t\t\t\t\t\t\t};\n" +
		"\t\t\t\t\t\t\tcom.apple.ApplicationGroups.iOS = {\n" +
		"\t\t\t\t\t\t\t\tenabled = 0;\n" +
		"\t\t\t\t\t\t\t};\n" +
		"\t\t\t\t\t\t};\n" +
		"\t\t\t\t\t};\n"
	if !strings.Contains(patched, expectedBlock) {
		t.Errorf("Target block not rewritten as expected:\n%s", patched)
	}

	expectedSetting := "\t\t\t\tSWIFT_VERSION = 5.0;\n" +
		"\t\t\t\tCODE_SIGN_ENTITLEMENTS = " + testEntitlements + ";\n" +
		"\t\t\t};\n"
	if n := strings.Count(patched, expectedSetting); n != 2 {
		t.Errorf("Expected the setting appended before the closing brace twice, found %d", n)
	}
}

func TestAddICloudCapability_Idempotent(t *testing.T) {
	content := loadFixture(t, "project.pbxproj")

	once, _, err := AddICloudCapability(content, appTargetID, "BottleKeeper", testEntitlements)
	if err != nil {
		t.Fatalf("First AddICloudCapability failed: %v", err)
	}

	twice, result, err := AddICloudCapability(once, appTargetID, "BottleKeeper", testEntitlements)
	if err != nil {
		t.Fatalf("Second AddICloudCapability failed: %v", err)
	}
	if !result.AlreadyConfigured {
		t.Error("Second run should report the capability as already configured")
	}
	if result.EntitlementsRefsAdded != 0 {
		t.Errorf("Second run should add no references, added %d", result.EntitlementsRefsAdded)
	}
	if once != twice {
		t.Error("Second run should not change the project")
	}
}

func TestAddICloudCapability_AlreadyConfigured(t *testing.T) {
	existing := appTargetID + " = {\n" +
		"\t\t\t\t\t\tCreatedOnToolsVersion = 15.0;\n" +
		"\t\t\t\t\t\tSystemCapabilities = {\n" +
		"\t\t\t\t\t\t\tcom.apple.Push = {\n" +
		"\t\t\t\t\t\t\t\tenabled = 1;\n" +
		"\t\t\t\t\t\t\t};\n" +
		"\t\t\t\t\t\t};\n" +
		"\t\t\t\t\t};"
	content := strings.Replace(loadFixture(t, "project.pbxproj"),
		appTargetID+" = {\n\t\t\t\t\t\tCreatedOnToolsVersion = 15.0;\n\t\t\t\t\t};", existing, 1)
	if !strings.Contains(content, existing) {
		t.Fatal("Failed to prepare fixture")
	}

	patched, result, err := AddICloudCapability(content, appTargetID, "BottleKeeper", testEntitlements)
	if err != nil {
		t.Fatalf("AddICloudCapability failed: %v", err)
	}
	if !result.AlreadyConfigured {
		t.Error("Expected AlreadyConfigured")
	}
	if !strings.Contains(patched, existing) {
		t.Error("Existing SystemCapabilities block should be left untouched")
	}
	if strings.Contains(patched, "com.apple.iCloud") {
		t.Error("iCloud capability should not be added to a configured target")
	}
	if result.EntitlementsRefsAdded != 2 {
		t.Errorf("Build settings should still be updated, added %d", result.EntitlementsRefsAdded)
	}
}

func TestAddICloudCapability_CreatesTargetBlock(t *testing.T) {
	const newTarget = "FFEEDDCCBBAA998877665544"
	content := loadFixture(t, "project.pbxproj")

	patched, result, err := AddICloudCapability(content, newTarget, "BottleKeeper", testEntitlements)
	if err != nil {
		t.Fatalf("AddICloudCapability failed: %v", err)
	}
	if !result.TargetBlockCreated {
		t.Error("Expected TargetBlockCreated")
	}

	attrs := targetAttributesOf(t, decodeObjects(t, patched))
	if got := dict(t, attrs, newTarget, "SystemCapabilities", "com.apple.iCloud")["enabled"]; got != "1" {
		t.Errorf("Expected com.apple.iCloud enabled = 1, got %v", got)
	}
	if _, ok := dict(t, attrs, appTargetID)["SystemCapabilities"]; ok {
		t.Error("Other targets should not be modified")
	}
}

func TestAddICloudCapability_MissingProjectSection(t *testing.T) {
	content := strings.Replace(loadFixture(t, "project.pbxproj"), "/* Begin PBXProject section */", "", 1)

	patched, _, err := AddICloudCapability(content, appTargetID, "BottleKeeper", testEntitlements)
	if !errors.Is(err, ErrProjectSectionNotFound) {
		t.Fatalf("Expected ErrProjectSectionNotFound, got %v", err)
	}
	if patched != content {
		t.Error("Content should be returned unchanged on failure")
	}
}

func TestAddICloudCapability_MissingTargetAttributes(t *testing.T) {
	content := strings.Replace(loadFixture(t, "project.pbxproj"), "TargetAttributes", "TargetProperties", 1)

	_, _, err := AddICloudCapability(content, appTargetID, "BottleKeeper", testEntitlements)
	if !errors.Is(err, ErrTargetAttributesNotFound) {
		t.Fatalf("Expected ErrTargetAttributesNotFound, got %v", err)
	}
}

func TestAddICloudCapability_QuotedEntitlementsPath(t *testing.T) {
	const path = "Bottle Keeper/Bottle Keeper.entitlements"
	content := loadFixture(t, "project.pbxproj")

	patched, _, err := AddICloudCapability(content, appTargetID, "BottleKeeper", path)
	if err != nil {
		t.Fatalf("AddICloudCapability failed: %v", err)
	}
	if !strings.Contains(patched, `CODE_SIGN_ENTITLEMENTS = "`+path+`";`) {
		t.Error("Path with spaces should be quoted")
	}

	settings := dict(t, decodeObjects(t, patched), appDebugConfig, "buildSettings")
	if settings["CODE_SIGN_ENTITLEMENTS"] != path {
		t.Errorf("Expected %q, got %v", path, settings["CODE_SIGN_ENTITLEMENTS"])
	}
}

func TestAddICloudCapabilityToProject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "project.pbxproj")
	if err := os.WriteFile(path, []byte(loadFixture(t, "project.pbxproj")), 0644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	result, err := AddICloudCapabilityToProject(path, appTargetID, "BottleKeeper", testEntitlements)
	if err != nil {
		t.Fatalf("AddICloudCapabilityToProject failed: %v", err)
	}
	if result.EntitlementsRefsAdded != 2 {
		t.Errorf("Expected 2 references, got %d", result.EntitlementsRefsAdded)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read patched project: %v", err)
	}
	if !strings.Contains(string(data), "com.apple.iCloud") {
		t.Error("Patched project was not written back")
	}
}

func TestInspectProject(t *testing.T) {
	content := loadFixture(t, "project.pbxproj")

	status, err := InspectProject(content, appTargetID, "BottleKeeper")
	if err != nil {
		t.Fatalf("InspectProject failed: %v", err)
	}
	if status.CapabilityConfigured || status.EntitlementsRefs != 0 {
		t.Errorf("Unexpected status for unpatched project: %+v", status)
	}

	patched, _, err := AddICloudCapability(content, appTargetID, "BottleKeeper", testEntitlements)
	if err != nil {
		t.Fatalf("AddICloudCapability failed: %v", err)
	}

	status, err = InspectProject(patched, appTargetID, "BottleKeeper")
	if err != nil {
		t.Fatalf("InspectProject failed: %v", err)
	}
	if !status.CapabilityConfigured || status.EntitlementsRefs != 2 {
		t.Errorf("Unexpected status for patched project: %+v", status)
	}
}

func TestInspectProject_CountsAppConfigurationsOnly(t *testing.T) {
	// Test targets may carry entitlements of their own
	content := strings.ReplaceAll(loadFixture(t, "project.pbxproj"),
		"PRODUCT_BUNDLE_IDENTIFIER = com.bottlekeep.whiskey.BottleKeeperUITests;",
		"CODE_SIGN_ENTITLEMENTS = BottleKeeperUITests/UITests.entitlements;\n\t\t\t\tPRODUCT_BUNDLE_IDENTIFIER = com.bottlekeep.whiskey.BottleKeeperUITests;")

	status, err := InspectProject(content, appTargetID, "BottleKeeper")
	if err != nil {
		t.Fatalf("InspectProject failed: %v", err)
	}
	if status.EntitlementsRefs != 0 {
		t.Errorf("UI test configurations should not be counted, got %d", status.EntitlementsRefs)
	}

	patched, result, err := AddICloudCapability(content, appTargetID, "BottleKeeper", testEntitlements)
	if err != nil {
		t.Fatalf("AddICloudCapability failed: %v", err)
	}
	if result.EntitlementsRefsAdded != 2 {
		t.Errorf("Expected 2 references added, got %d", result.EntitlementsRefsAdded)
	}

	status, err = InspectProject(patched, appTargetID, "BottleKeeper")
	if err != nil {
		t.Fatalf("InspectProject failed: %v", err)
	}
	if status.EntitlementsRefs != 2 {
		t.Errorf("Expected 2 app configurations, got %d", status.EntitlementsRefs)
	}
}

func TestAddICloudCapability_SkipsUITestTarget(t *testing.T) {
	content := loadFixture(t, "project.pbxproj")

	patched, _, err := AddICloudCapability(content, appTargetID, "BottleKeeper", testEntitlements)
	if err != nil {
		t.Fatalf("AddICloudCapability failed: %v", err)
	}

	// Byte-for-byte the same block as before
	start := strings.Index(content, uiTestDebugConfig+" /* Debug */ = {")
	if start < 0 {
		t.Fatal("Fixture has no UI test Debug configuration")
	}
	end := matchingBrace(content, strings.Index(content[start:], "{")+start)
	block := content[start : end+1]
	if !strings.Contains(patched, block) {
		t.Errorf("UI test configuration was modified:\n%s", patched)
	}
}

func TestMatchingBrace(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"flat", "{a = b;}", 7},
		{"nested", "{a = {b = c;};}", 14},
		{"quoted brace", `{a = "}";}`, 9},
		{"escaped quote", `{a = "\"}";}`, 11},
		{"block comment", "{/* } */}", 8},
		{"line comment", "{// }\n}", 6},
		{"unterminated", "{a = {b;}", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchingBrace(tt.input, 0); got != tt.want {
				t.Errorf("matchingBrace(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}
