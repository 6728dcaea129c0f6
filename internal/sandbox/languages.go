package sandbox

// Language describes how to run an interactive REPL (or shell) for one
// language key: which image to use and what command to exec as PID 1.
type Language struct {
	Image string   `yaml:"image"`
	Cmd   []string `yaml:"cmd"`
}

// DefaultLanguages returns the built-in language table. Keys are lower-case;
// unknown keys must be rejected before reaching the adapter.
func DefaultLanguages() map[string]Language {
	return map[string]Language{
		"python":     {Image: "python:3.12-slim", Cmd: []string{"python3"}},
		"javascript": {Image: "node:22-slim", Cmd: []string{"node"}},
		"typescript": {Image: "node:22-slim", Cmd: []string{"npx", "tsx"}},
		"java":       {Image: "eclipse-temurin:21", Cmd: []string{"jshell"}},
		"c":          {Image: "gcc:13", Cmd: []string{"bash"}},
		"cpp":        {Image: "gcc:13", Cmd: []string{"bash"}},
		"go":         {Image: "golang:1.23", Cmd: []string{"bash"}},
		"rust":       {Image: "rust:1.80-slim", Cmd: []string{"bash"}},
		"bash":       {Image: "debian:bookworm-slim", Cmd: []string{"bash"}},
		"sql":        {Image: "keinos/sqlite3:latest", Cmd: []string{"sqlite3"}},
		"csharp":     {Image: "mcr.microsoft.com/dotnet/sdk:8.0", Cmd: []string{"dotnet-script"}},
		"swift":      {Image: "swift:5.10", Cmd: []string{"swift", "repl"}},
	}
}
