package sqlsink

import (
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"
)

// directives are the strftime conversions a template may use.
var directives = strftime.NewSpecificationSet()

// Destination is a database URL template. strftime directives (%Y, %m, %d,
// ...) are expanded against the flush time, so a target can roll over to a new
// database file per day or per hour. A % that starts no directive, such as
// the percent-encoding in p%40ss, is kept as written.
type Destination struct {
	template string
	pattern  *strftime.Strftime
	scheme   string
}

// NewDestination compiles template. Its scheme must name a supported dialect.
func NewDestination(template string) (*Destination, error) {
	scheme, _, ok := strings.Cut(template, "://")
	if !ok || scheme == "" {
		return nil, fmt.Errorf("%w: database url %q has no scheme", ErrUnsupportedDialect, template)
	}
	pattern, err := strftime.New(escapeUnknown(template), strftime.WithSpecificationSet(directives))
	if err != nil {
		return nil, fmt.Errorf("invalid database url template %q: %w", template, err)
	}
	return &Destination{template: template, pattern: pattern, scheme: strings.ToLower(scheme)}, nil
}

// escapeUnknown doubles every % that is not followed by a known directive.
func escapeUnknown(template string) string {
	var b strings.Builder
	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(template) {
			if _, err := directives.Lookup(template[i+1]); err == nil {
				b.WriteByte('%')
				b.WriteByte(template[i+1])
				i++
				continue
			}
		}
		b.WriteString("%%")
	}
	return b.String()
}

// Resolve expands the template for t. It has no side effects.
func (d *Destination) Resolve(t time.Time) string {
	return d.pattern.FormatString(t)
}

// Scheme returns the URL scheme of the template, including any +driver suffix.
func (d *Destination) Scheme() string {
	return d.scheme
}

func (d *Destination) String() string {
	return d.template
}
