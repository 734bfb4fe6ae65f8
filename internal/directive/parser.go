package directive

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"layerforge/internal/domain"
)

// Parse reads a build file into an ordered directive list.
//
// The format is line oriented: one directive per logical line, the verb
// followed by whitespace-separated arguments. Lines starting with '#'
// and blank lines are ignored, including inside a continuation. A
// trailing backslash continues the logical line; the continuation ends
// at the next directive line without one.
func Parse(r io.Reader) ([]Directive, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var directives []Directive
	var pending string
	pendingLine := 0
	lineNo := 0

	flush := func() error {
		if pending == "" {
			return nil
		}
		d, err := parseLine(pending, pendingLine)
		pending = ""
		if err != nil {
			return err
		}
		directives = append(directives, d)
		return nil
	}

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if pending == "" {
			pendingLine = lineNo
		}

		if strings.HasSuffix(line, "\\") {
			pending += strings.TrimSpace(strings.TrimSuffix(line, "\\")) + " "
			continue
		}

		pending += line
		if err := flush(); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, domain.NewBuildErrorWithCause(domain.ErrCodeParse, "reading build file", err)
	}
	// Trailing continuation with no final line still parses as-is.
	if err := flush(); err != nil {
		return nil, err
	}

	return directives, nil
}

// ParseFile parses the build file at path.
func ParseFile(path string) ([]Directive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, domain.NewBuildErrorWithCause(domain.ErrCodeParse, fmt.Sprintf("opening build file %s", path), err)
	}
	defer f.Close()
	return Parse(f)
}

func parseLine(line string, lineNo int) (Directive, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Directive{}, parseErr(lineNo, "empty directive")
	}

	verb := strings.ToUpper(fields[0])
	switch Kind(verb) {
	case KindFrom:
		if len(fields) != 2 {
			return Directive{}, parseErr(lineNo, "FROM takes exactly one argument")
		}
		return Directive{Kind: KindFrom, BaseRef: fields[1], Line: lineNo}, nil

	case KindCopy:
		if len(fields) != 3 {
			return Directive{}, parseErr(lineNo, "COPY takes exactly two arguments")
		}
		return Directive{Kind: KindCopy, SrcPath: fields[1], DestPath: fields[2], Line: lineNo}, nil

	case KindRun:
		cmdline := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
		if cmdline == "" {
			return Directive{}, parseErr(lineNo, "RUN requires a command")
		}
		return Directive{Kind: KindRun, Cmdline: cmdline, Line: lineNo}, nil

	case KindUser:
		if len(fields) != 2 {
			return Directive{}, parseErr(lineNo, "USER takes exactly one argument")
		}
		return Directive{Kind: KindUser, User: fields[1], Line: lineNo}, nil
	}

	return Directive{}, parseErr(lineNo, fmt.Sprintf("unknown directive %q", fields[0]))
}

func parseErr(lineNo int, msg string) error {
	return domain.NewBuildError(domain.ErrCodeParse, fmt.Sprintf("line %d: %s", lineNo, msg))
}
