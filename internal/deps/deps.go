// Package deps infers the third-party packages a Python snippet needs
// before it can run. Two extraction passes, in precedence order:
//
//  1. Explicit "pip install ..." directives embedded in the snippet
//     (as comments or statements) are honored first and verbatim.
//  2. A structural scan extracts every top-level imported module name;
//     if the snippet is too malformed to scan it falls back to a
//     line-oriented pattern match. Partial information beats none: a
//     missed dependency surfaces later as an ImportError the caller
//     can react to, refusing to execute at all is not recoverable.
//
// Import names are mapped to their installable package names through a
// static alias table; names absent from the table install under their
// own name. Standard-library modules are skipped.
package deps

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"

	shellwords "github.com/mattn/go-shellwords"
)

// Directive is one install step, in argv form, e.g.
// ["pip", "install", "--no-input", "requests"].
type Directive struct {
	Args []string
}

func (d Directive) String() string { return strings.Join(d.Args, " ") }

// packageAliases maps well-known import names to the package name that
// actually installs them. The mapping is many-to-one: several import
// aliases may resolve to the same package.
var packageAliases = map[string]string{
	"cv2":             "opencv-python",
	"PIL":             "Pillow",
	"sklearn":         "scikit-learn",
	"skimage":         "scikit-image",
	"bs4":             "beautifulsoup4",
	"yaml":            "PyYAML",
	"dateutil":        "python-dateutil",
	"dotenv":          "python-dotenv",
	"Crypto":          "pycryptodome",
	"docx":            "python-docx",
	"pptx":            "python-pptx",
	"fitz":            "PyMuPDF",
	"magic":           "python-magic",
	"serial":          "pyserial",
	"psycopg2":        "psycopg2-binary",
	"attr":            "attrs",
	"git":             "GitPython",
	"jwt":             "PyJWT",
	"OpenSSL":         "pyOpenSSL",
	"kafka":           "kafka-python",
	"mpl_toolkits":    "matplotlib",
	"googleapiclient": "google-api-python-client",
}

// stdlibModules are importable without installation and never resolved.
var stdlibModules = map[string]bool{
	"abc": true, "argparse": true, "asyncio": true, "base64": true,
	"collections": true, "contextlib": true, "copy": true, "csv": true,
	"dataclasses": true, "datetime": true, "decimal": true, "email": true,
	"enum": true, "functools": true, "glob": true, "gzip": true,
	"hashlib": true, "heapq": true, "html": true, "http": true,
	"inspect": true, "io": true, "itertools": true, "json": true,
	"logging": true, "math": true, "multiprocessing": true, "numbers": true,
	"operator": true, "os": true, "pathlib": true, "pickle": true,
	"platform": true, "pprint": true, "queue": true, "random": true,
	"re": true, "secrets": true, "shutil": true, "signal": true,
	"socket": true, "sqlite3": true, "statistics": true, "string": true,
	"struct": true, "subprocess": true, "sys": true, "tempfile": true,
	"textwrap": true, "threading": true, "time": true, "traceback": true,
	"types": true, "typing": true, "unittest": true, "urllib": true,
	"uuid": true, "warnings": true, "weakref": true, "xml": true,
	"zipfile": true,
}

var (
	pipDirectiveRe = regexp.MustCompile(`(?m)^\s*(?:#\s*)?!?\s*(pip3?\s+install\s+.+?)\s*$`)
	importLineRe   = regexp.MustCompile(`(?m)^\s*(?:import|from)\s+([A-Za-z_][A-Za-z0-9_.]*)`)
)

// Resolve returns the ordered list of install directives for a snippet.
// The result is deterministic: the same snippet always yields the same
// ordered list. An empty snippet, or one with no imports and no
// explicit directives, yields nil.
func Resolve(snippet string) []Directive {
	var out []Directive
	seen := make(map[string]bool)

	// Pass 1: explicit pip install directives, verbatim.
	for _, m := range pipDirectiveRe.FindAllStringSubmatch(snippet, -1) {
		args := tokenize(m[1])
		if len(args) < 3 {
			continue // bare "pip install" with no packages
		}
		key := strings.Join(args, " ")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Directive{Args: args})
		// Remember the package names so the import pass does not
		// duplicate them.
		for _, a := range args[2:] {
			if !strings.HasPrefix(a, "-") {
				seen[normalizePackage(a)] = true
			}
		}
	}

	// Pass 2: imported module names.
	for _, mod := range importedModules(snippet) {
		pkg := mod
		if alias, ok := packageAliases[mod]; ok {
			pkg = alias
		}
		key := normalizePackage(pkg)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Directive{Args: []string{"pip", "install", "--no-input", pkg}})
	}

	return out
}

// importedModules extracts top-level module names from import
// statements. The structural scan only considers column-zero statements
// and is aware of triple-quoted strings; when it cannot make sense of
// the snippet it degrades to a pattern match over import-like lines.
func importedModules(snippet string) []string {
	mods, err := scanImports(snippet)
	if err != nil {
		slog.Debug("structural import scan failed, falling back to pattern match", "error", err)
		mods = nil
		for _, m := range importLineRe.FindAllStringSubmatch(snippet, -1) {
			mods = append(mods, topLevel(m[1]))
		}
	}

	seen := make(map[string]bool)
	var out []string
	for _, m := range mods {
		if m == "" || stdlibModules[m] || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// scanImports walks the snippet line by line tracking triple-quoted
// string state, collecting module names from top-level import and
// from-import statements.
func scanImports(snippet string) ([]string, error) {
	var mods []string
	inString := "" // `'''` or `"""` while inside a triple-quoted string

	for _, line := range strings.Split(snippet, "\n") {
		if inString != "" {
			if idx := strings.Index(line, inString); idx >= 0 {
				line = line[idx+3:]
				inString = ""
			} else {
				continue
			}
		}
		if open := openedTripleQuote(line); open != "" {
			inString = open
			continue
		}

		// Top-level statements only: an indented import is conditional
		// or function-local and not a reliable signal.
		if len(line) == 0 || line[0] == ' ' || line[0] == '\t' || line[0] == '#' {
			continue
		}

		switch {
		case strings.HasPrefix(line, "import "):
			rest := strings.TrimPrefix(line, "import ")
			if i := strings.Index(rest, "#"); i >= 0 {
				rest = rest[:i]
			}
			for _, part := range strings.Split(rest, ",") {
				fields := strings.Fields(part)
				if len(fields) == 0 {
					return nil, errMalformed
				}
				mods = append(mods, topLevel(fields[0]))
			}
		case strings.HasPrefix(line, "from "):
			fields := strings.Fields(line)
			if len(fields) < 2 {
				return nil, errMalformed
			}
			// Relative imports ("from . import x") reference the
			// snippet itself, not an installable package.
			if strings.HasPrefix(fields[1], ".") {
				continue
			}
			mods = append(mods, topLevel(fields[1]))
		}
	}
	return mods, nil
}

var errMalformed = &malformedError{}

type malformedError struct{}

func (*malformedError) Error() string { return "malformed import statement" }

// openedTripleQuote reports the quote that remains open at the end of
// the line, or "" when the line leaves no triple-quoted string open.
func openedTripleQuote(line string) string {
	for i := 0; i < len(line); i++ {
		for _, q := range []string{`"""`, "'''"} {
			if strings.HasPrefix(line[i:], q) {
				if idx := strings.Index(line[i+3:], q); idx >= 0 {
					i += 3 + idx + 2
					break
				}
				return q
			}
		}
	}
	return ""
}

func topLevel(dotted string) string {
	if i := strings.Index(dotted, "."); i >= 0 {
		return dotted[:i]
	}
	return dotted
}

// tokenize splits a pip directive into argv form, falling back to
// whitespace splitting if shell tokenization fails (unbalanced quotes).
func tokenize(directive string) []string {
	args, err := shellwords.Parse(directive)
	if err != nil {
		return strings.Fields(directive)
	}
	return args
}

// normalizePackage folds the spellings PEP 503 treats as equivalent.
func normalizePackage(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "_", "-")
	// Strip version constraints: requests==2.31 and requests are the
	// same install target for dedup purposes.
	for _, sep := range []string{"==", ">=", "<=", "~=", ">", "<"} {
		if i := strings.Index(name, sep); i >= 0 {
			name = name[:i]
		}
	}
	return name
}

// Aliases returns the sorted import names in the alias table. Used by
// the doctor command to show what the resolver knows about.
func Aliases() []string {
	names := make([]string, 0, len(packageAliases))
	for k := range packageAliases {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
