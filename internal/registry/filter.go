package registry

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/moolen/scr/internal/framework"
)

// ldapFilter is a compiled RFC 1960 style filter. Attribute names match
// case-insensitively.
type ldapFilter struct {
	raw  string
	root filterNode
}

var _ framework.Filter = (*ldapFilter)(nil)

func (f *ldapFilter) String() string { return f.raw }

func (f *ldapFilter) Matches(props map[string]interface{}) bool {
	return f.root.match(props)
}

func (f *ldapFilter) MatchReference(ref framework.ServiceReference) bool {
	if ref == nil {
		return false
	}
	return f.root.match(ref.Properties())
}

type filterNode interface {
	match(props map[string]interface{}) bool
}

type andNode []filterNode

func (n andNode) match(props map[string]interface{}) bool {
	for _, c := range n {
		if !c.match(props) {
			return false
		}
	}
	return true
}

type orNode []filterNode

func (n orNode) match(props map[string]interface{}) bool {
	for _, c := range n {
		if c.match(props) {
			return true
		}
	}
	return false
}

type notNode struct{ child filterNode }

func (n notNode) match(props map[string]interface{}) bool { return !n.child.match(props) }

type operator int

const (
	opEqual operator = iota
	opApprox
	opGreaterEq
	opLessEq
	opPresent
	opSubstring
)

type itemNode struct {
	attr  string
	op    operator
	value string
	// substring parts, split on unescaped '*'; empty first/last part means
	// the pattern starts/ends with a wildcard
	parts []string
}

func (n itemNode) match(props map[string]interface{}) bool {
	v, ok := lookup(props, n.attr)
	if !ok {
		return false
	}
	if n.op == opPresent {
		return true
	}
	return matchValue(v, n)
}

func lookup(props map[string]interface{}, attr string) (interface{}, bool) {
	if v, ok := props[attr]; ok {
		return v, true
	}
	for k, v := range props {
		if strings.EqualFold(k, attr) {
			return v, true
		}
	}
	return nil, false
}

func matchValue(v interface{}, n itemNode) bool {
	switch tv := v.(type) {
	case nil:
		return false
	case string:
		return matchString(tv, n)
	case []string:
		for _, s := range tv {
			if matchString(s, n) {
				return true
			}
		}
		return false
	case []interface{}:
		for _, e := range tv {
			if matchValue(e, n) {
				return true
			}
		}
		return false
	case bool:
		b, err := strconv.ParseBool(strings.TrimSpace(n.value))
		return err == nil && n.op != opSubstring && b == tv
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		lit, err := strconv.ParseInt(strings.TrimSpace(n.value), 10, 64)
		return err == nil && compareOrdered(rv.Int(), lit, n.op)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		lit, err := strconv.ParseUint(strings.TrimSpace(n.value), 10, 64)
		return err == nil && compareOrdered(rv.Uint(), lit, n.op)
	case reflect.Float32, reflect.Float64:
		lit, err := strconv.ParseFloat(strings.TrimSpace(n.value), 64)
		return err == nil && compareOrdered(rv.Float(), lit, n.op)
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if matchValue(rv.Index(i).Interface(), n) {
				return true
			}
		}
		return false
	}
	return matchString(fmt.Sprint(v), n)
}

func compareOrdered[T int64 | uint64 | float64](have, lit T, op operator) bool {
	switch op {
	case opEqual, opApprox:
		return have == lit
	case opGreaterEq:
		return have >= lit
	case opLessEq:
		return have <= lit
	default:
		return false
	}
}

func matchString(s string, n itemNode) bool {
	switch n.op {
	case opEqual:
		return s == n.value
	case opApprox:
		return squash(s) == squash(n.value)
	case opGreaterEq:
		return s >= n.value
	case opLessEq:
		return s <= n.value
	case opSubstring:
		return matchSubstring(s, n.parts)
	}
	return false
}

func squash(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
}

func matchSubstring(s string, parts []string) bool {
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := len(parts) - 1
	for _, p := range parts[1:last] {
		idx := strings.Index(s, p)
		if idx < 0 {
			return false
		}
		s = s[idx+len(p):]
	}
	return strings.HasSuffix(s, parts[last])
}

// FilterError reports a malformed filter string.
type FilterError struct {
	Filter string
	Pos    int
	Msg    string
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("invalid filter %q at %d: %s", e.Filter, e.Pos, e.Msg)
}

// ParseFilter compiles an LDAP filter string.
func ParseFilter(s string) (framework.Filter, error) {
	p := &filterParser{src: s}
	p.skipSpace()
	root, err := p.parseFilter()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, p.errorf("unexpected trailing characters")
	}
	return &ldapFilter{raw: s, root: root}, nil
}

type filterParser struct {
	src string
	pos int
}

func (p *filterParser) errorf(format string, args ...interface{}) error {
	return &FilterError{Filter: p.src, Pos: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *filterParser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *filterParser) expect(c byte) error {
	p.skipSpace()
	if p.pos >= len(p.src) || p.src[p.pos] != c {
		return p.errorf("expected %q", c)
	}
	p.pos++
	return nil
}

func (p *filterParser) parseFilter() (filterNode, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos >= len(p.src) {
		return nil, p.errorf("unexpected end of filter")
	}

	var node filterNode
	var err error
	switch p.src[p.pos] {
	case '&':
		p.pos++
		var children []filterNode
		children, err = p.parseList()
		node = andNode(children)
	case '|':
		p.pos++
		var children []filterNode
		children, err = p.parseList()
		node = orNode(children)
	case '!':
		p.pos++
		p.skipSpace()
		var child filterNode
		child, err = p.parseFilter()
		node = notNode{child: child}
	default:
		node, err = p.parseItem()
	}
	if err != nil {
		return nil, err
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return node, nil
}

func (p *filterParser) parseList() ([]filterNode, error) {
	var children []filterNode
	for {
		p.skipSpace()
		if p.pos >= len(p.src) || p.src[p.pos] != '(' {
			break
		}
		child, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	if len(children) == 0 {
		return nil, p.errorf("empty filter list")
	}
	return children, nil
}

func (p *filterParser) parseItem() (filterNode, error) {
	start := p.pos
	for p.pos < len(p.src) && !strings.ContainsRune("=<>~()", rune(p.src[p.pos])) {
		p.pos++
	}
	attr := strings.TrimSpace(p.src[start:p.pos])
	if attr == "" {
		return nil, p.errorf("missing attribute name")
	}
	if p.pos >= len(p.src) {
		return nil, p.errorf("missing operator")
	}

	op := opEqual
	switch p.src[p.pos] {
	case '~':
		op = opApprox
		p.pos++
	case '>':
		op = opGreaterEq
		p.pos++
	case '<':
		op = opLessEq
		p.pos++
	}
	if p.pos >= len(p.src) || p.src[p.pos] != '=' {
		return nil, p.errorf("invalid operator")
	}
	p.pos++

	parts, err := p.parseValue()
	if err != nil {
		return nil, err
	}

	n := itemNode{attr: attr, op: op}
	switch {
	case op == opEqual && len(parts) == 2 && parts[0] == "" && parts[1] == "":
		n.op = opPresent
	case op == opEqual && len(parts) > 1:
		n.op = opSubstring
		n.parts = parts
	case len(parts) > 1:
		return nil, p.errorf("wildcard not allowed with this operator")
	default:
		n.value = parts[0]
	}
	return n, nil
}

// parseValue reads up to the closing ')' and splits on unescaped '*'.
func (p *filterParser) parseValue() ([]string, error) {
	var parts []string
	var cur strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch c {
		case ')':
			return append(parts, cur.String()), nil
		case '(':
			return nil, p.errorf("unescaped '(' in value")
		case '*':
			parts = append(parts, cur.String())
			cur.Reset()
		case '\\':
			p.pos++
			if p.pos >= len(p.src) {
				return nil, p.errorf("dangling escape")
			}
			cur.WriteByte(p.src[p.pos])
		default:
			cur.WriteByte(c)
		}
		p.pos++
	}
	return nil, p.errorf("unterminated value")
}
