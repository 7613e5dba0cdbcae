// Package source turns files on disk into content units: a bounded
// directory scanner and a debounced change watcher publishing events on a
// channel.
package source

import (
	"path/filepath"
	"strings"

	"ctxbudget/internal/content"
)

type fileType struct {
	kind     content.Kind
	language string
}

var extensions = map[string]fileType{
	".go":    {content.KindSource, "go"},
	".ts":    {content.KindSource, "typescript"},
	".tsx":   {content.KindSource, "typescript"},
	".js":    {content.KindSource, "javascript"},
	".jsx":   {content.KindSource, "javascript"},
	".mjs":   {content.KindSource, "javascript"},
	".cjs":   {content.KindSource, "javascript"},
	".py":    {content.KindSource, "python"},
	".rs":    {content.KindSource, "rust"},
	".java":  {content.KindSource, "java"},
	".kt":    {content.KindSource, "kotlin"},
	".cs":    {content.KindSource, "csharp"},
	".scala": {content.KindSource, "scala"},
	".swift": {content.KindSource, "swift"},
	".c":     {content.KindSource, "c"},
	".h":     {content.KindSource, "c"},
	".cc":    {content.KindSource, "cpp"},
	".cpp":   {content.KindSource, "cpp"},
	".hpp":   {content.KindSource, "cpp"},
	".rb":    {content.KindSource, "ruby"},
	".php":   {content.KindSource, "php"},
	".sh":    {content.KindSource, "shell"},
	".sql":   {content.KindSource, "sql"},

	".json":  {content.KindStructured, "json"},
	".jsonc": {content.KindStructured, "jsonc"},
	".json5": {content.KindStructured, "json"},
	".yaml":  {content.KindStructured, "yaml"},
	".yml":   {content.KindStructured, "yaml"},

	".toml":       {content.KindConfig, "toml"},
	".ini":        {content.KindConfig, "ini"},
	".cfg":        {content.KindConfig, "ini"},
	".conf":       {content.KindConfig, "conf"},
	".env":        {content.KindConfig, "dotenv"},
	".properties": {content.KindConfig, "properties"},

	".md":       {content.KindProse, "markdown"},
	".markdown": {content.KindProse, "markdown"},
	".txt":      {content.KindProse, "text"},
	".rst":      {content.KindProse, "rst"},
	".adoc":     {content.KindProse, "asciidoc"},
}

var names = map[string]fileType{
	"dockerfile":        {content.KindConfig, "dockerfile"},
	"makefile":          {content.KindConfig, "make"},
	".gitignore":        {content.KindConfig, "gitignore"},
	".editorconfig":     {content.KindConfig, "ini"},
	"go.mod":            {content.KindConfig, "gomod"},
	"go.sum":            {content.KindConfig, "lock"},
	"package-lock.json": {content.KindStructured, "lock"},
	"yarn.lock":         {content.KindConfig, "lock"},
	"pnpm-lock.yaml":    {content.KindStructured, "lock"},
	"cargo.lock":        {content.KindConfig, "lock"},
	"tsconfig.json":     {content.KindStructured, "jsonc"},
}

// Detect infers the kind and language of a file from its name.
func Detect(path string) (content.Kind, string) {
	base := strings.ToLower(filepath.Base(path))
	if ft, ok := names[base]; ok {
		return ft.kind, ft.language
	}
	if strings.HasPrefix(base, ".env") {
		return content.KindConfig, "dotenv"
	}
	if ft, ok := extensions[filepath.Ext(base)]; ok {
		return ft.kind, ft.language
	}
	return content.KindUnknown, ""
}
