// Package tag exposes a single build-tag-gated flag, Debug, which is
// true only in builds made with `-tags debug`. No package in this
// module reads it.
package tag

// Debug is true only in builds compiled with the "debug" build tag.
var Debug = debugBuild
