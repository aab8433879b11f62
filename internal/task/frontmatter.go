package task

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingHeader indicates the document did not start with a YAML fence.
	ErrMissingHeader = errors.New("task: missing header")
	// ErrMalformedHeader indicates the YAML block could not be parsed.
	ErrMalformedHeader = errors.New("task: malformed header")
)

// Document is a task file split into its YAML frontmatter header and body.
// The header is kept as a yaml mapping node so unknown producer fields and
// their ordering survive a claim/release round-trip. Fields the caller never
// touches are re-emitted from their original raw lines, so producer
// formatting (sequence indent, block scalar style) survives byte-for-byte;
// the body is raw bytes and is never rewritten.
type Document struct {
	header *yaml.Node
	// segments holds the original header lines per untouched top-level
	// field; preamble holds any header lines before the first field.
	segments map[string][]byte
	preamble []byte
	crlf     bool
	Body     []byte
}

// ParseDocument splits a task file into header and body. The file must start
// with a `---` fence followed by a YAML mapping and a closing fence. Files
// with CRLF line endings keep them.
func ParseDocument(content []byte) (*Document, error) {
	if len(content) == 0 {
		return nil, ErrMissingHeader
	}
	crlf := false
	fence := 0
	switch {
	case bytes.HasPrefix(content, []byte("---\r\n")):
		crlf, fence = true, 5
	case bytes.HasPrefix(content, []byte("---\n")):
		fence = 4
	default:
		return nil, ErrMissingHeader
	}
	rest := content[fence:]
	// Tolerate a header that closes the fence at the very start of the
	// remainder (empty header block).
	if bytes.HasPrefix(rest, []byte("---\r\n")) {
		return &Document{header: emptyMapping(), crlf: crlf, Body: rest[5:]}, nil
	}
	if bytes.HasPrefix(rest, []byte("---\n")) {
		return &Document{header: emptyMapping(), crlf: crlf, Body: rest[4:]}, nil
	}
	block, body, ok := splitClosingFence(rest)
	if !ok {
		return nil, ErrMalformedHeader
	}
	header, err := parseHeaderBlock(block)
	if err != nil {
		return nil, err
	}
	doc := &Document{header: header, crlf: crlf, Body: body}
	doc.preamble, doc.segments = splitSegments(block, header)
	return doc, nil
}

// splitClosingFence cuts rest at the first `---` line. The returned block
// keeps its trailing newline so raw header segments round-trip verbatim.
func splitClosingFence(rest []byte) (block, body []byte, ok bool) {
	for i := 0; ; {
		j := bytes.Index(rest[i:], []byte("\n---"))
		if j < 0 {
			return nil, nil, false
		}
		end := i + j
		k := end + 4
		if k < len(rest) && rest[k] == '\r' {
			k++
		}
		if k < len(rest) && rest[k] == '\n' {
			return rest[:end+1], rest[k+1:], true
		}
		i = end + 1
	}
}

// NewDocument synthesizes a document with an empty header around existing
// body content. AttemptClaim uses this for producer files that carry no
// header at all.
func NewDocument(body []byte) *Document {
	return &Document{header: emptyMapping(), Body: body}
}

func parseHeaderBlock(block []byte) (*yaml.Node, error) {
	if len(bytes.TrimSpace(block)) == 0 {
		return emptyMapping(), nil
	}
	var node yaml.Node
	if err := yaml.Unmarshal(block, &node); err != nil {
		// Report the underlying parse failure verbatim so quarantine
		// entries stay actionable.
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	inner := &node
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return emptyMapping(), nil
		}
		inner = node.Content[0]
	}
	if inner.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: header is not a key/value mapping", ErrMalformedHeader)
	}
	return inner, nil
}

func emptyMapping() *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
}

// splitSegments records the raw header lines backing each top-level field so
// Encode can replay untouched fields verbatim. Headers with more than one
// field per line (flow style) get no segments and fall back to re-marshaling.
func splitSegments(block []byte, header *yaml.Node) (preamble []byte, segments map[string][]byte) {
	content := header.Content
	if len(content) == 0 {
		return block, nil
	}
	lines := splitLines(block)
	prev := 0
	for i := 0; i+1 < len(content); i += 2 {
		if content[i].Line <= prev {
			return nil, nil
		}
		prev = content[i].Line
	}
	first := content[0].Line - 1
	if first < 0 || first > len(lines) {
		return nil, nil
	}
	preamble = joinLines(lines[:first])
	segments = make(map[string][]byte, len(content)/2)
	for i := 0; i+1 < len(content); i += 2 {
		start := content[i].Line - 1
		end := len(lines)
		if i+2 < len(content) {
			end = content[i+2].Line - 1
		}
		if start < 0 || end > len(lines) || end <= start {
			continue
		}
		segments[content[i].Value] = joinLines(lines[start:end])
	}
	return preamble, segments
}

func splitLines(b []byte) [][]byte {
	var lines [][]byte
	for len(b) > 0 {
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			lines = append(lines, b)
			break
		}
		lines = append(lines, b[:i+1])
		b = b[i+1:]
	}
	return lines
}

func joinLines(lines [][]byte) []byte {
	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(line)
	}
	return buf.Bytes()
}

// Encode renders the document back to file bytes with YAML fences. Untouched
// header fields are replayed from their original lines; added or modified
// fields are marshaled at two-space indent. The body is appended
// byte-for-byte.
func (d *Document) Encode() ([]byte, error) {
	nl := []byte("\n")
	if d.crlf {
		nl = []byte("\r\n")
	}
	var buf bytes.Buffer
	buf.WriteString("---")
	buf.Write(nl)
	buf.Write(d.preamble)
	content := d.header.Content
	for i := 0; i+1 < len(content); i += 2 {
		if seg, ok := d.segments[content[i].Value]; ok {
			buf.Write(seg)
			continue
		}
		key := content[i]
		if d.segments != nil && key.HeadComment != "" {
			// Comment lines above this field already live in the preceding
			// field's raw segment.
			stripped := *key
			stripped.HeadComment = ""
			key = &stripped
		}
		pair, err := encodePair(key, content[i+1])
		if err != nil {
			return nil, fmt.Errorf("task: encode header: %w", err)
		}
		if d.crlf {
			pair = bytes.ReplaceAll(pair, []byte("\n"), []byte("\r\n"))
		}
		buf.Write(pair)
	}
	buf.WriteString("---")
	buf.Write(nl)
	buf.Write(d.Body)
	return buf.Bytes(), nil
}

func encodePair(key, value *yaml.Node) ([]byte, error) {
	pair := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Content: []*yaml.Node{key, value}}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(pair); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HeaderKeys returns the header field names in document order.
func (d *Document) HeaderKeys() []string {
	keys := make([]string, 0, len(d.header.Content)/2)
	for i := 0; i+1 < len(d.header.Content); i += 2 {
		keys = append(keys, d.header.Content[i].Value)
	}
	return keys
}

// HasHeaderField reports whether the header contains the key.
func (d *Document) HasHeaderField(key string) bool {
	_, ok := d.lookup(key)
	return ok
}

// HeaderString returns the scalar value for key, or "" when absent or not a
// scalar.
func (d *Document) HeaderString(key string) string {
	value, ok := d.lookup(key)
	if !ok || value.Kind != yaml.ScalarNode {
		return ""
	}
	if value.Tag == "!!null" {
		return ""
	}
	return value.Value
}

// HeaderInt returns the integer value for key. The second return reports
// presence; absent keys are not an error.
func (d *Document) HeaderInt(key string) (int, bool, error) {
	value, ok := d.lookup(key)
	if !ok || value.Tag == "!!null" {
		return 0, false, nil
	}
	if value.Kind != yaml.ScalarNode {
		return 0, false, fmt.Errorf("field %s is not a scalar", key)
	}
	n, err := strconv.Atoi(strings.TrimSpace(value.Value))
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// HeaderStringList decodes a sequence field into a string slice. A scalar
// value decodes as a single-element list so producers can write either form.
func (d *Document) HeaderStringList(key string) ([]string, error) {
	value, ok := d.lookup(key)
	if !ok || value.Tag == "!!null" {
		return nil, nil
	}
	if value.Kind == yaml.ScalarNode {
		trimmed := strings.TrimSpace(value.Value)
		if trimmed == "" {
			return nil, nil
		}
		return []string{trimmed}, nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return nil, err
	}
	return list, nil
}

// SetHeaderField inserts or overwrites a scalar header field, preserving the
// position of existing keys.
func (d *Document) SetHeaderField(key, value string) {
	delete(d.segments, key)
	if existing, ok := d.lookup(key); ok {
		existing.SetString(value)
		return
	}
	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
	valueNode := &yaml.Node{}
	valueNode.SetString(value)
	d.header.Content = append(d.header.Content, keyNode, valueNode)
}

// SetHeaderInt inserts or overwrites an integer header field.
func (d *Document) SetHeaderInt(key string, value int) {
	delete(d.segments, key)
	rendered := strconv.Itoa(value)
	if existing, ok := d.lookup(key); ok {
		existing.Kind = yaml.ScalarNode
		existing.Tag = "!!int"
		existing.Value = rendered
		existing.Content = nil
		return
	}
	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
	valueNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: rendered}
	d.header.Content = append(d.header.Content, keyNode, valueNode)
}

// DeleteHeaderField removes a header field when present.
func (d *Document) DeleteHeaderField(key string) {
	delete(d.segments, key)
	content := d.header.Content
	for i := 0; i+1 < len(content); i += 2 {
		if content[i].Value == key {
			d.header.Content = append(content[:i], content[i+2:]...)
			return
		}
	}
}

func (d *Document) lookup(key string) (*yaml.Node, bool) {
	content := d.header.Content
	for i := 0; i+1 < len(content); i += 2 {
		if content[i].Value == key {
			return content[i+1], true
		}
	}
	return nil, false
}
