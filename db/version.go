package db

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const minimumSupportedMajor = 6

// The server banner looks like
// "PostgreSQL 9.4.26 (Greengage Database 6.26.35_arenadata53 build 2625...) on x86_64..."
// and the cluster version is the M.m.p inside the parenthesized section,
// immediately before the word "build".
var versionRegex = regexp.MustCompile(`\([^)]*?\b((\d+)\.(\d+)\.(\d+)(?:[_\-|+][A-Za-z0-9.]+)?)\b\s+build\b`)

// Version is a parsed Greengage cluster version.
type Version struct {
	Major int
	Minor int
	Patch int
	Raw   string
}

// ParseVersion extracts the cluster version from the output of
// SELECT version(). Returns nil when the banner does not match.
func ParseVersion(versionString string) *Version {
	input := strings.TrimSpace(versionString)
	if input == "" {
		return nil
	}
	m := versionRegex.FindStringSubmatch(input)
	if m == nil {
		return nil
	}
	major, _ := strconv.Atoi(m[2])
	minor, _ := strconv.Atoi(m[3])
	patch, _ := strconv.Atoi(m[4])
	return &Version{Major: major, Minor: minor, Patch: patch, Raw: input}
}

// IsAtLeastV7 reports whether the version selects the v7 SQL dialect.
func (v *Version) IsAtLeastV7() bool {
	return v.Major >= 7
}

// IsSupported reports whether the exporter supports this version.
func (v *Version) IsSupported() bool {
	return v.Major >= minimumSupportedMajor
}

// FullVersion returns the bare numeric version string.
func (v *Version) FullVersion() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}
