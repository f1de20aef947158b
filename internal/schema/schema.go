package schema

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/syncq/internal/entity"
)

// Schema checks entity fields against a compiled CUE struct.
//
// A cue.Context is not safe for concurrent use, so every Check holds mu.
type Schema struct {
	mu   sync.Mutex
	name string
	ctx  *cue.Context
	def  cue.Value
}

// Violation is one failed constraint.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Field == "" {
		return v.Message
	}
	return v.Field + ": " + v.Message
}

// Compile parses src as a CUE struct describing the fields of one entity type.
//
//	s, err := schema.Compile("product", `
//		name?: string & != ""
//		price: number & >=0
//	`)
//
// Regular fields are required, optional fields (name?) may be absent, and
// fields not named in the schema are allowed.
func Compile(name, src string) (*Schema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(name+".cue"))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	if v.IncompleteKind() != cue.StructKind {
		return nil, &CompileError{
			Field:   name,
			Message: "schema must be a struct",
			Pos:     v.Pos(),
		}
	}
	return &Schema{name: name, ctx: ctx, def: v}, nil
}

// MustCompile is Compile for package-level schemas. It panics on error.
func MustCompile(name, src string) *Schema {
	s, err := Compile(name, src)
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return s
}

// Name returns the schema name given to Compile.
func (s *Schema) Name() string {
	return s.name
}

// Check returns every violation of the schema by fields, sorted by field.
// A nil result means the fields are valid. Check performs no I/O.
func (s *Schema) Check(fields entity.Fields) []Violation {
	if fields == nil {
		fields = entity.Fields{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.ctx.Encode(map[string]any(fields))
	if err := data.Err(); err != nil {
		return []Violation{{Message: err.Error()}}
	}

	err := s.def.Unify(data).Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}
	return violations(err)
}

func violations(err error) []Violation {
	seen := make(map[string]bool)
	var out []Violation
	for _, e := range errors.Errors(err) {
		format, args := e.Msg()
		v := Violation{
			Field:   strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		}
		key := v.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Field < out[j].Field
	})
	return out
}

// CompileError reports a schema that failed to compile.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
