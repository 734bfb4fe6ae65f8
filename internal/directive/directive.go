package directive

import "fmt"

// Kind identifies one of the four supported build directives.
type Kind string

const (
	KindFrom Kind = "FROM"
	KindCopy Kind = "COPY"
	KindRun  Kind = "RUN"
	KindUser Kind = "USER"
)

// Directive is one parsed build instruction. Only the fields relevant
// to its Kind are set.
type Directive struct {
	Kind Kind

	// FROM
	BaseRef string

	// COPY
	SrcPath  string
	DestPath string

	// RUN (the command line, verbatim after the verb)
	Cmdline string

	// USER
	User string

	// Line is the 1-based line number of the directive in the source
	// file, for diagnostics.
	Line int
}

// MutatesFilesystem reports whether the directive contributes a layer.
// USER only mutates manifest metadata.
func (d Directive) MutatesFilesystem() bool {
	return d.Kind == KindCopy || d.Kind == KindRun
}

// Args returns the directive's arguments in canonical order, as used
// for layer digest computation and logging.
func (d Directive) Args() []string {
	switch d.Kind {
	case KindFrom:
		return []string{d.BaseRef}
	case KindCopy:
		return []string{d.SrcPath, d.DestPath}
	case KindRun:
		return []string{d.Cmdline}
	case KindUser:
		return []string{d.User}
	}
	return nil
}

func (d Directive) String() string {
	switch d.Kind {
	case KindFrom:
		return fmt.Sprintf("FROM %s", d.BaseRef)
	case KindCopy:
		return fmt.Sprintf("COPY %s %s", d.SrcPath, d.DestPath)
	case KindRun:
		return fmt.Sprintf("RUN %s", d.Cmdline)
	case KindUser:
		return fmt.Sprintf("USER %s", d.User)
	}
	return string(d.Kind)
}
