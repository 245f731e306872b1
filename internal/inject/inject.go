// Package inject splices head and body fragments into HTML documents and
// computes the response headers applied to module resources.
package inject

import (
	"bytes"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"github.com/FocuswithJustin/modhost/core/configdoc"
)

// Target selects where a fragment lands.
type Target int

const (
	// Head fragments go immediately before </head>.
	Head Target = iota
	// Body fragments go immediately before the last </body>.
	Body
)

func (t Target) String() string {
	if t == Body {
		return "body"
	}
	return "head"
}

// Context is what fragment producers may read.
type Context struct {
	ModuleID  string
	Authority string
	// Path is the requested resource path relative to the module root.
	Path   string
	Config configdoc.Document
}

// Fragment is a pure string builder bound to a target.
type Fragment struct {
	Name    string
	Target  Target
	Produce func(Context) string
}

// Pipeline holds fragments in registration order.
type Pipeline struct {
	mu         sync.RWMutex
	fragments  []Fragment
	conditions *conditions
}

// NewPipeline creates an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{conditions: newConditions()}
}

// Add appends f.
func (p *Pipeline) Add(f Fragment) {
	p.mu.Lock()
	p.fragments = append(p.fragments, f)
	p.mu.Unlock()
}

// Fragments returns a copy of the registered fragments.
func (p *Pipeline) Fragments() []Fragment {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Fragment, len(p.fragments))
	copy(out, p.fragments)
	return out
}

// ShouldInject reports whether a resource passes through the pipeline.
func ShouldInject(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".html", ".htm":
		return true
	}
	return false
}

// Compose renders the head and body fragment text for ctx: registered
// fragments first, then fragments declared in the module config. Empty
// outputs are dropped and an output identical to an earlier one in the same
// run is emitted only once.
func (p *Pipeline) Compose(ctx Context) (head, body string) {
	seen := map[string]bool{}
	var hb, bb strings.Builder
	emit := func(t Target, out string) {
		if out == "" || seen[out] {
			return
		}
		seen[out] = true
		b := &hb
		if t == Body {
			b = &bb
		}
		b.WriteString(out)
		b.WriteByte('\n')
	}

	for _, f := range p.Fragments() {
		if f.Produce == nil {
			continue
		}
		emit(f.Target, f.Produce(ctx))
	}
	for _, f := range p.declared(ctx) {
		emit(f.Target, f.Produce(ctx))
	}
	return hb.String(), bb.String()
}

// Apply returns doc with the composed fragments inserted. The input is not
// modified.
func (p *Pipeline) Apply(ctx Context, doc []byte) []byte {
	head, body := p.Compose(ctx)
	if head == "" && body == "" {
		out := make([]byte, len(doc))
		copy(out, doc)
		return out
	}
	marks := locate(doc)

	type insertion struct {
		at   int
		text string
	}
	inserts := []insertion{
		{at: marks.headInsert(), text: head},
		{at: marks.bodyInsert(len(doc)), text: body},
	}
	sort.SliceStable(inserts, func(i, j int) bool { return inserts[i].at < inserts[j].at })

	var out bytes.Buffer
	out.Grow(len(doc) + len(head) + len(body))
	prev := 0
	for _, ins := range inserts {
		out.Write(doc[prev:ins.at])
		out.WriteString(ins.text)
		prev = ins.at
	}
	out.Write(doc[prev:])
	return out.Bytes()
}

// marks are byte offsets of structural tags, -1 when absent.
type marks struct {
	headStartEnd int // just after <head ...>
	headEnd      int // at the first </head>
	bodyStart    int // at the first <body ...>
	bodyEnd      int // at the last </body>
}

func (m marks) headInsert() int {
	switch {
	case m.headEnd >= 0:
		return m.headEnd
	case m.headStartEnd >= 0:
		return m.headStartEnd
	case m.bodyStart >= 0:
		return m.bodyStart
	default:
		return 0
	}
}

func (m marks) bodyInsert(docLen int) int {
	if m.bodyEnd >= 0 {
		return m.bodyEnd
	}
	return docLen
}

// locate walks the document with the HTML tokenizer so that tag-like text
// inside comments, scripts and styles is never mistaken for structure.
func locate(doc []byte) marks {
	m := marks{headStartEnd: -1, headEnd: -1, bodyStart: -1, bodyEnd: -1}
	z := html.NewTokenizer(bytes.NewReader(doc))
	offset := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return m
		}
		raw := len(z.Raw())
		start := offset
		offset += raw

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "head":
				if m.headStartEnd < 0 {
					m.headStartEnd = offset
				}
			case "body":
				if m.bodyStart < 0 {
					m.bodyStart = start
				}
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "head":
				if m.headEnd < 0 {
					m.headEnd = start
				}
			case "body":
				m.bodyEnd = start
			}
		}
	}
}
