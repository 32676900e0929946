//go:build windows

package faults

// locateTool is the native "find an executable" command named in
// remediation suggestions.
const locateTool = "where"
