// version.go - Versionsinformation fuer ggml-go
package version

var Version string = "0.0.0"
