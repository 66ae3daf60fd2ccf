package tunnel

import (
	"context"
	"io"
	"regexp"
	"strings"
)

// output accumulates what the tunnel has written so far and searches it
// for the public url. Reads stop once ctx ends.
type output struct {
	ctx     context.Context
	r       io.Reader
	pattern *regexp.Regexp
	seen    strings.Builder
}

func newOutput(ctx context.Context, r io.Reader, pattern *regexp.Regexp) *output {
	return &output{ctx: ctx, r: r, pattern: pattern}
}

func (o *output) Read(p []byte) (int, error) {
	if err := o.ctx.Err(); err != nil {
		return 0, err
	}
	return o.r.Read(p)
}

// scan consumes everything written since the last scan and returns the
// first url match, or "" when there is none yet.
func (o *output) scan() (string, error) {
	if _, err := io.Copy(&o.seen, o); err != nil {
		return "", err
	}
	return o.pattern.FindString(o.seen.String()), nil
}

// last is the final non-empty line, for error messages.
func (o *output) last() string {
	s := strings.TrimSpace(o.seen.String())
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return s
}
