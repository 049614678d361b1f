// Package validation checks emitted records against the importer's record
// shapes before they are bundled into a batch.
//
// Shapes are CUE definitions compiled once per Validator. A record is valid
// when its JSON unifies with the definition named after its jsonmodel_type
// and the result is concrete.
package validation

import (
	"embed"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/cidermigrate/internal/record"
)

//go:embed schemas/*.cue
var schemas embed.FS

// typeName guards definition lookups; cue.Def panics on invalid identifiers.
var typeName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Mode selects how controlled vocabularies are checked.
type Mode int

const (
	// Strict checks vocabularies against the importer's defaults.
	Strict Mode = iota
	// PermitAll accepts any string where a vocabulary value is expected,
	// for targets configured to add unknown values on import.
	PermitAll
)

func (m Mode) String() string {
	switch m {
	case Strict:
		return "strict"
	case PermitAll:
		return "permit_all"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses "strict" or "permit_all".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return Strict, nil
	case "permit_all", "permit-all":
		return PermitAll, nil
	default:
		return Strict, fmt.Errorf("unknown validation mode %q", s)
	}
}

// Error reports why a record does not match its shape.
type Error struct {
	Type       string
	ID         string
	Violations []string
}

func (e *Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("invalid %s %s: %s", e.Type, e.ID, strings.Join(e.Violations, "; "))
	}
	return fmt.Sprintf("invalid %s: %s", e.Type, strings.Join(e.Violations, "; "))
}

// Validator holds compiled record shapes. Safe for concurrent use.
type Validator struct {
	mode Mode

	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

// New compiles the record shapes for the given mode.
func New(mode Mode) (*Validator, error) {
	vocab := "schemas/strict.cue"
	if mode == PermitAll {
		vocab = "schemas/permit_all.cue"
	}

	var src strings.Builder
	for _, name := range []string{"schemas/records.cue", vocab} {
		b, err := schemas.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		src.Write(b)
		src.WriteByte('\n')
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(src.String(), cue.Filename("schemas.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compiling record shapes: %w", err)
	}

	return &Validator{mode: mode, ctx: ctx, schema: schema}, nil
}

// Mode returns the vocabulary mode the validator was built with.
func (v *Validator) Mode() Mode { return v.mode }

// Knows reports whether a shape exists for the jsonmodel type.
func (v *Validator) Knows(jsonmodelType string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.definition(jsonmodelType).Exists()
}

// Validate checks rec against the shape named by its jsonmodel_type.
// Records of a type without a shape pass.
func (v *Validator) Validate(rec record.Object) error {
	data, err := record.Encode(rec)
	if err != nil {
		return err
	}
	return v.ValidateJSON(rec.Str("jsonmodel_type"), rec.Str("id"), data)
}

// ValidateJSON checks an encoded record of the given type. id is only used
// in the returned error.
func (v *Validator) ValidateJSON(jsonmodelType, id string, data []byte) error {
	if jsonmodelType == "" {
		return &Error{ID: id, Type: "record", Violations: []string{"jsonmodel_type is missing"}}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	def := v.definition(jsonmodelType)
	if !def.Exists() {
		slog.Debug("no shape for record type, accepting", "type", jsonmodelType, "id", id)
		return nil
	}

	doc := v.ctx.CompileBytes(data, cue.Filename(jsonmodelType+".json"))
	if err := doc.Err(); err != nil {
		return fmt.Errorf("decoding %s %s: %w", jsonmodelType, id, err)
	}

	if err := def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return &Error{Type: jsonmodelType, ID: id, Violations: violations(err)}
	}
	return nil
}

func (v *Validator) definition(jsonmodelType string) cue.Value {
	if !typeName.MatchString(jsonmodelType) {
		return cue.Value{}
	}
	return v.schema.LookupPath(cue.MakePath(cue.Def(jsonmodelType)))
}

// violations flattens a CUE error into one line per distinct problem.
func violations(err error) []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range cueerrors.Errors(err) {
		msg := e.Error()
		if path := e.Path(); len(path) > 0 && !strings.HasPrefix(msg, strings.Join(path, ".")) {
			msg = strings.Join(path, ".") + ": " + msg
		}
		if !seen[msg] {
			seen[msg] = true
			out = append(out, msg)
		}
	}
	if len(out) == 0 {
		out = append(out, err.Error())
	}
	return out
}
