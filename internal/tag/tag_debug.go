//go:build debug

package tag

const debugBuild = true
