// Package pluginconfig parses the line-oriented IMC/IMV configuration file
// described in §6: comment and blank lines are skipped, data lines match
// `(IMC|IMV) "<name>" <path>`. Grounded on §4.2's load_config/load_std_config
// and tokenized with google/shlex so quoted names may contain whitespace.
package pluginconfig

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/shlex"

	"github.com/eurolinux-enterprise-linux-sources/libtnc/pkg/logger"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/pkg/tncerr"
)

// Kind identifies which side of the plugin ABI a configured entry targets.
type Kind string

const (
	KindIMC Kind = "IMC"
	KindIMV Kind = "IMV"
)

// Entry is one parsed configuration line: load the shared library at Path
// as an IMC or IMV named Name.
type Entry struct {
	Kind Kind   `validate:"required,oneof=IMC IMV"`
	Name string `validate:"required"`
	Path string `validate:"required"`
}

var validate = validator.New()

// StdConfigPath is the fallback location read by LoadStdConfig on systems
// with no registry-like facility, per §4.2's load_std_config.
const StdConfigPath = "/etc/tnc_config"

// ParseFile opens path and parses it as a plugin configuration file.
// It returns an error when the file cannot be opened, matching §4.2's
// "-1 on file-open failure" (the caller sees that as a nil slice plus a
// non-nil error rather than the literal sentinel -1), and when reading
// the opened file fails (see Parse); malformed lines are not errors.
func ParseFile(ctx context.Context, path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, tncerr.Wrap(tncerr.Fatal, "open plugin config", err)
	}
	defer f.Close()
	return Parse(ctx, f)
}

// LoadStdConfig implements the portable branch of §4.2's load_std_config:
// on a system with no registry-like facility it reads StdConfigPath via
// ParseFile. Enumerating the registry-backed IMCs/IMVs keys is Windows
// registry access with no portable Go equivalent short of cgo, and is out
// of scope per SPEC_FULL.md.
func LoadStdConfig(ctx context.Context) ([]Entry, error) {
	return ParseFile(ctx, StdConfigPath)
}

// Parse reads a plugin configuration stream line by line and returns every
// successfully parsed and validated entry. A malformed data line (bad
// quoting, wrong field count, or a validation failure) is logged and
// skipped, not treated as fatal: §4.2's load_config "returns the count of
// successes" even when some lines fail, and the original
// libtncimc.c/libtncimv.c `continue` past a bad line rather than aborting
// the whole file. Only a genuine read error on the underlying stream is
// returned as an error here; comment and blank lines are silently skipped,
// as is any other non-matching line per §6.
func Parse(ctx context.Context, r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		entry, ok, err := parseLine(line)
		if err != nil {
			logger.FromContext(ctx).Warn("skipping malformed plugin config line", "line", lineNo, "err", err)
			continue
		}
		if !ok {
			continue
		}
		if err := validate.Struct(entry); err != nil {
			logger.FromContext(ctx).Warn("skipping invalid plugin config entry", "line", lineNo, "err", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, tncerr.Wrap(tncerr.Fatal, "read plugin config", err)
	}
	return entries, nil
}

// parseLine tokenizes a single data line with shell-style quoting rules so
// a quoted name may contain spaces, then matches it against the
// `(IMC|IMV) "<name>" <path>` grammar. ok is false for lines that don't
// start with a recognized keyword, which §6 says to skip silently. A
// non-nil error means the line did start with a recognized keyword but
// was otherwise malformed; the caller treats that as skip-and-log too.
func parseLine(line string) (Entry, bool, error) {
	fields, err := shlex.Split(line)
	if err != nil {
		return Entry{}, false, err
	}
	if len(fields) == 0 {
		return Entry{}, false, nil
	}

	var kind Kind
	switch strings.ToUpper(fields[0]) {
	case "IMC":
		kind = KindIMC
	case "IMV":
		kind = KindIMV
	default:
		return Entry{}, false, nil
	}
	if len(fields) != 3 {
		return Entry{}, true, &malformedLineError{keyword: fields[0], fieldCount: len(fields)}
	}
	return Entry{Kind: kind, Name: fields[1], Path: fields[2]}, true, nil
}

type malformedLineError struct {
	keyword    string
	fieldCount int
}

func (e *malformedLineError) Error() string {
	return "expected " + e.keyword + " \"<name>\" <path>, got a different field count"
}
