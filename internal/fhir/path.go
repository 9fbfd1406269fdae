package fhir

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// PathEngine evaluates the FHIRPath subset needed to extract search-index
// values from resources decoded as map[string]interface{}. Supported:
// dot navigation (with choice-element fallback, so "value" finds
// "valueQuantity"), [n] indexing, union (|), where(...), exists(...),
// empty(), first(), as(Type), ofType(Type), resolve() (identity over the
// reference), and the comparison/boolean operators needed inside where().
// Anything beyond that is rejected, not guessed.
type PathEngine struct{}

// NewPathEngine creates a path evaluation engine.
func NewPathEngine() *PathEngine {
	return &PathEngine{}
}

// Evaluate runs an expression against a resource and returns the resulting
// collection. An empty collection means the path resolved to nothing.
func (e *PathEngine) Evaluate(resource map[string]interface{}, expression string) ([]interface{}, error) {
	if resource == nil {
		return nil, nil
	}
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("fhirpath: empty expression")
	}

	tokens, err := pathTokenize(expression)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: tokenize: %w", err)
	}
	p := &pathParser{tokens: tokens}
	ast, err := p.parseExpression(0)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: parse: %w", err)
	}
	if tok := p.peek(); tok.kind != tkEOF {
		return nil, fmt.Errorf("fhirpath: unexpected token %q at position %d", tok.value, tok.pos)
	}

	ctx := &pathEval{resource: resource}
	out, err := ctx.eval(ast, []interface{}{resource})
	if err != nil {
		return nil, fmt.Errorf("fhirpath: eval: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

type pathTokenKind int

const (
	tkIdent pathTokenKind = iota
	tkNumber
	tkString
	tkDot
	tkLParen
	tkRParen
	tkLBrack
	tkRBrack
	tkComma
	tkEq
	tkNe
	tkLt
	tkGt
	tkLe
	tkGe
	tkPipe
	tkEOF
)

type pathToken struct {
	kind  pathTokenKind
	value string
	pos   int
}

func pathTokenize(input string) ([]pathToken, error) {
	var tokens []pathToken
	i, n := 0, len(input)

	for i < n {
		ch := input[i]
		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			i++
			continue
		}
		start := i

		switch {
		case ch == '.':
			tokens = append(tokens, pathToken{tkDot, ".", start})
			i++
		case ch == '(':
			tokens = append(tokens, pathToken{tkLParen, "(", start})
			i++
		case ch == ')':
			tokens = append(tokens, pathToken{tkRParen, ")", start})
			i++
		case ch == '[':
			tokens = append(tokens, pathToken{tkLBrack, "[", start})
			i++
		case ch == ']':
			tokens = append(tokens, pathToken{tkRBrack, "]", start})
			i++
		case ch == ',':
			tokens = append(tokens, pathToken{tkComma, ",", start})
			i++
		case ch == '|':
			tokens = append(tokens, pathToken{tkPipe, "|", start})
			i++
		case ch == '=':
			tokens = append(tokens, pathToken{tkEq, "=", start})
			i++
		case ch == '!':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, pathToken{tkNe, "!=", start})
				i += 2
			} else {
				return nil, fmt.Errorf("unexpected character '!' at position %d", start)
			}
		case ch == '<':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, pathToken{tkLe, "<=", start})
				i += 2
			} else {
				tokens = append(tokens, pathToken{tkLt, "<", start})
				i++
			}
		case ch == '>':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, pathToken{tkGe, ">=", start})
				i += 2
			} else {
				tokens = append(tokens, pathToken{tkGt, ">", start})
				i++
			}
		case ch == '\'':
			i++
			var sb strings.Builder
			for i < n && input[i] != '\'' {
				if input[i] == '\\' && i+1 < n {
					i++
				}
				sb.WriteByte(input[i])
				i++
			}
			if i >= n {
				return nil, fmt.Errorf("unterminated string at position %d", start)
			}
			i++
			tokens = append(tokens, pathToken{tkString, sb.String(), start})
		case ch >= '0' && ch <= '9':
			j := i
			for j < n && (input[j] >= '0' && input[j] <= '9') {
				j++
			}
			if j+1 < n && input[j] == '.' && input[j+1] >= '0' && input[j+1] <= '9' {
				j++
				for j < n && input[j] >= '0' && input[j] <= '9' {
					j++
				}
			}
			tokens = append(tokens, pathToken{tkNumber, input[i:j], start})
			i = j
		case ch == '_' || unicode.IsLetter(rune(ch)):
			j := i
			for j < n && (input[j] == '_' || unicode.IsLetter(rune(input[j])) || unicode.IsDigit(rune(input[j]))) {
				j++
			}
			tokens = append(tokens, pathToken{tkIdent, input[i:j], start})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), start)
		}
	}

	tokens = append(tokens, pathToken{tkEOF, "", n})
	return tokens, nil
}

// ---------------------------------------------------------------------------
// AST / parser
// ---------------------------------------------------------------------------

type pathNodeKind int

const (
	ndLiteral pathNodeKind = iota
	ndPath
	ndDot
	ndIndex
	ndFunction
	ndCompare
	ndAnd
	ndOr
	ndUnion
)

type pathNode struct {
	kind     pathNodeKind
	value    interface{}
	children []*pathNode
	// bareCall marks a function invoked without a receiver, e.g. the
	// resolve() inside where(resolve() is Patient). It applies to the
	// current context collection instead of an evaluated left side.
	bareCall bool
}

type pathParser struct {
	tokens []pathToken
	pos    int
}

func (p *pathParser) peek() pathToken {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return pathToken{kind: tkEOF, pos: -1}
}

func (p *pathParser) advance() pathToken {
	t := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *pathParser) expect(kind pathTokenKind) (pathToken, error) {
	t := p.advance()
	if t.kind != kind {
		return t, fmt.Errorf("unexpected token %q at position %d", t.value, t.pos)
	}
	return t, nil
}

// Precedence, lowest first: or(1), and(2), union(3), comparison(4), postfix.
func (p *pathParser) parseExpression(minPrec int) (*pathNode, error) {
	left, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		prec, kind, op := p.infixInfo(tok)
		if prec < minPrec {
			break
		}
		p.advance()
		right, err := p.parseExpression(prec + 1)
		if err != nil {
			return nil, err
		}
		node := &pathNode{kind: kind, children: []*pathNode{left, right}}
		if kind == ndCompare {
			node.value = op
		}
		left = node
	}
	return left, nil
}

func (p *pathParser) infixInfo(tok pathToken) (int, pathNodeKind, string) {
	switch {
	case tok.kind == tkIdent && tok.value == "or":
		return 1, ndOr, "or"
	case tok.kind == tkIdent && tok.value == "and":
		return 2, ndAnd, "and"
	case tok.kind == tkPipe:
		return 3, ndUnion, "|"
	case tok.kind == tkEq:
		return 4, ndCompare, "="
	case tok.kind == tkNe:
		return 4, ndCompare, "!="
	case tok.kind == tkLt:
		return 4, ndCompare, "<"
	case tok.kind == tkGt:
		return 4, ndCompare, ">"
	case tok.kind == tkLe:
		return 4, ndCompare, "<="
	case tok.kind == tkGe:
		return 4, ndCompare, ">="
	// "is" and "as" appear infix in expressions like
	// "where(resolve() is Patient)" and "(value as Quantity)".
	case tok.kind == tkIdent && tok.value == "is":
		return 4, ndCompare, "is"
	case tok.kind == tkIdent && tok.value == "as":
		return 4, ndCompare, "as"
	}
	return -1, 0, ""
}

func (p *pathParser) parsePostfix() (*pathNode, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind == tkDot {
			p.advance()
			ident, err := p.expect(tkIdent)
			if err != nil {
				return nil, err
			}
			if p.peek().kind == tkLParen {
				p.advance()
				args, err := p.parseArgs()
				if err != nil {
					return nil, err
				}
				if _, err := p.expect(tkRParen); err != nil {
					return nil, err
				}
				node = &pathNode{
					kind:     ndFunction,
					value:    ident.value,
					children: append([]*pathNode{node}, args...),
				}
			} else {
				field := &pathNode{kind: ndPath, value: ident.value}
				node = &pathNode{kind: ndDot, children: []*pathNode{node, field}}
			}
		} else if tok.kind == tkLBrack {
			p.advance()
			idxTok, err := p.expect(tkNumber)
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tkRBrack); err != nil {
				return nil, err
			}
			idx, _ := strconv.Atoi(idxTok.value)
			node = &pathNode{kind: ndIndex, value: idx, children: []*pathNode{node}}
		} else {
			break
		}
	}
	return node, nil
}

func (p *pathParser) parsePrimary() (*pathNode, error) {
	tok := p.peek()
	switch tok.kind {
	case tkLParen:
		p.advance()
		inner, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tkRParen); err != nil {
			return nil, err
		}
		return inner, nil

	case tkString:
		p.advance()
		return &pathNode{kind: ndLiteral, value: tok.value}, nil

	case tkNumber:
		p.advance()
		if strings.Contains(tok.value, ".") {
			f, err := strconv.ParseFloat(tok.value, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid decimal %q", tok.value)
			}
			return &pathNode{kind: ndLiteral, value: f}, nil
		}
		i, err := strconv.ParseInt(tok.value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", tok.value)
		}
		return &pathNode{kind: ndLiteral, value: i}, nil

	case tkIdent:
		p.advance()
		name := tok.value
		if name == "true" {
			return &pathNode{kind: ndLiteral, value: true}, nil
		}
		if name == "false" {
			return &pathNode{kind: ndLiteral, value: false}, nil
		}
		if p.peek().kind == tkLParen {
			p.advance()
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tkRParen); err != nil {
				return nil, err
			}
			return &pathNode{kind: ndFunction, value: name, children: args, bareCall: true}, nil
		}
		return &pathNode{kind: ndPath, value: name}, nil

	case tkEOF:
		return nil, fmt.Errorf("unexpected end of expression")

	default:
		return nil, fmt.Errorf("unexpected token %q at position %d", tok.value, tok.pos)
	}
}

func (p *pathParser) parseArgs() ([]*pathNode, error) {
	var args []*pathNode
	if p.peek().kind == tkRParen {
		return args, nil
	}
	for {
		arg, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.peek().kind != tkComma {
			break
		}
		p.advance()
	}
	return args, nil
}

// ---------------------------------------------------------------------------
// Evaluation
// ---------------------------------------------------------------------------

type pathEval struct {
	resource map[string]interface{}
}

func (ctx *pathEval) eval(node *pathNode, input []interface{}) ([]interface{}, error) {
	switch node.kind {
	case ndLiteral:
		return []interface{}{node.value}, nil

	case ndPath:
		return ctx.evalPath(node, input)

	case ndDot:
		left, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		return ctx.eval(node.children[1], left)

	case ndIndex:
		coll, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		idx := node.value.(int)
		if idx < 0 || idx >= len(coll) {
			return nil, nil
		}
		return []interface{}{coll[idx]}, nil

	case ndFunction:
		return ctx.evalFunction(node, input)

	case ndCompare:
		return ctx.evalCompare(node, input)

	case ndAnd:
		left, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		if !collectionTruthy(left) {
			return []interface{}{false}, nil
		}
		right, err := ctx.eval(node.children[1], input)
		if err != nil {
			return nil, err
		}
		return []interface{}{collectionTruthy(right)}, nil

	case ndOr:
		left, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		if collectionTruthy(left) {
			return []interface{}{true}, nil
		}
		right, err := ctx.eval(node.children[1], input)
		if err != nil {
			return nil, err
		}
		return []interface{}{collectionTruthy(right)}, nil

	case ndUnion:
		left, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		right, err := ctx.eval(node.children[1], input)
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil

	default:
		return nil, fmt.Errorf("unknown node kind %d", node.kind)
	}
}

func (ctx *pathEval) evalPath(node *pathNode, input []interface{}) ([]interface{}, error) {
	name := node.value.(string)

	// A leading resource-type segment selects the root when it matches.
	if isTypeName(name) {
		rt, _ := ctx.resource["resourceType"].(string)
		if rt == name {
			return []interface{}{ctx.resource}, nil
		}
		// Resource/DomainResource-base expressions apply to every type.
		if name == "Resource" || name == "DomainResource" {
			return []interface{}{ctx.resource}, nil
		}
		return nil, nil
	}

	var out []interface{}
	for _, item := range input {
		out = append(out, navigate(item, name)...)
	}
	return out, nil
}

// navigate extracts a named field. When the exact key is absent it falls
// back to choice-element keys: "value" finds "valueQuantity",
// "effective" finds "effectiveDateTime".
func navigate(item interface{}, field string) []interface{} {
	m, ok := item.(map[string]interface{})
	if !ok {
		return nil
	}
	if v, ok := m[field]; ok {
		if arr, isArr := v.([]interface{}); isArr {
			return arr
		}
		return []interface{}{v}
	}
	var out []interface{}
	for key, v := range m {
		if len(key) > len(field) && strings.HasPrefix(key, field) && unicode.IsUpper(rune(key[len(field)])) {
			if arr, isArr := v.([]interface{}); isArr {
				out = append(out, arr...)
			} else {
				out = append(out, v)
			}
		}
	}
	return out
}

func (ctx *pathEval) evalFunction(node *pathNode, input []interface{}) ([]interface{}, error) {
	name := node.value.(string)

	var receiver []interface{}
	var args []*pathNode
	if node.bareCall {
		receiver = input
		args = node.children
	} else if len(node.children) > 0 {
		var err error
		receiver, err = ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		args = node.children[1:]
	}

	switch name {
	case "where":
		if len(args) == 0 {
			return receiver, nil
		}
		var out []interface{}
		for _, item := range receiver {
			v, err := ctx.eval(args[0], []interface{}{item})
			if err != nil {
				return nil, err
			}
			if collectionTruthy(v) {
				out = append(out, item)
			}
		}
		return out, nil

	case "exists":
		if len(args) == 0 {
			return []interface{}{len(receiver) > 0}, nil
		}
		for _, item := range receiver {
			v, err := ctx.eval(args[0], []interface{}{item})
			if err != nil {
				return nil, err
			}
			if collectionTruthy(v) {
				return []interface{}{true}, nil
			}
		}
		return []interface{}{false}, nil

	case "empty":
		return []interface{}{len(receiver) == 0}, nil

	case "first":
		if len(receiver) == 0 {
			return nil, nil
		}
		return []interface{}{receiver[0]}, nil

	case "as", "ofType":
		if len(args) == 0 || args[0].kind != ndPath {
			return nil, fmt.Errorf("%s requires a type name", name)
		}
		typeName := args[0].value.(string)
		var out []interface{}
		for _, item := range receiver {
			if matchesFHIRType(item, typeName) {
				out = append(out, item)
			}
		}
		return out, nil

	case "resolve":
		// References are not dereferenced at index time; downstream
		// type checks inspect the reference string itself.
		return receiver, nil

	default:
		return nil, fmt.Errorf("function %q not supported for indexing", name)
	}
}

func (ctx *pathEval) evalCompare(node *pathNode, input []interface{}) ([]interface{}, error) {
	op := node.value.(string)

	left, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}

	// Type tests take the type name from the unevaluated right side.
	if op == "is" || op == "as" {
		right := node.children[1]
		if right.kind != ndPath {
			return nil, fmt.Errorf("%s requires a type name", op)
		}
		typeName := right.value.(string)
		if op == "is" {
			if len(left) == 0 {
				return []interface{}{false}, nil
			}
			return []interface{}{matchesFHIRType(left[0], typeName)}, nil
		}
		var out []interface{}
		for _, item := range left {
			if matchesFHIRType(item, typeName) {
				out = append(out, item)
			}
		}
		return out, nil
	}

	right, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	if len(left) == 0 || len(right) == 0 {
		return nil, nil
	}
	return []interface{}{compareScalars(left[0], right[0], op)}, nil
}

func compareScalars(l, r interface{}, op string) bool {
	lf, lok := asFloat(l)
	rf, rok := asFloat(r)
	if lok && rok {
		switch op {
		case "=":
			return lf == rf
		case "!=":
			return lf != rf
		case "<":
			return lf < rf
		case ">":
			return lf > rf
		case "<=":
			return lf <= rf
		case ">=":
			return lf >= rf
		}
		return false
	}
	ls := fmt.Sprintf("%v", l)
	rs := fmt.Sprintf("%v", r)
	switch op {
	case "=":
		return ls == rs
	case "!=":
		return ls != rs
	case "<":
		return ls < rs
	case ">":
		return ls > rs
	case "<=":
		return ls <= rs
	case ">=":
		return ls >= rs
	}
	return false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// matchesFHIRType checks a collection item against a FHIR type name. For
// reference maps the target type is inferred from the "reference" string
// ("Patient/123" is a Patient) or the explicit "type" element, which is what
// "where(resolve() is Patient)" needs at index time.
func matchesFHIRType(v interface{}, typeName string) bool {
	switch typeName {
	case "string", "uri", "code", "id", "markdown", "dateTime", "date", "instant", "time":
		_, ok := v.(string)
		return ok
	case "integer", "decimal", "positiveInt", "unsignedInt":
		_, ok := asFloat(v)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return false
	}
	if rt, _ := m["resourceType"].(string); rt != "" {
		return rt == typeName
	}
	if ref, _ := m["reference"].(string); ref != "" {
		if i := strings.IndexByte(ref, '/'); i > 0 {
			return ref[:i] == typeName
		}
	}
	if t, _ := m["type"].(string); t != "" {
		return t == typeName
	}
	// Complex datatypes (Quantity, Period, ...) carry no type marker in
	// JSON; a shape probe covers the ones the indexer consumes.
	switch typeName {
	case "Quantity", "Age", "Duration", "Money":
		_, has := m["value"]
		return has
	case "Period":
		_, hasStart := m["start"]
		_, hasEnd := m["end"]
		return hasStart || hasEnd
	case "Range":
		_, hasLow := m["low"]
		_, hasHigh := m["high"]
		return hasLow || hasHigh
	case "CodeableConcept":
		_, has := m["coding"]
		return has
	case "Identifier":
		_, has := m["value"]
		return has
	case "HumanName":
		_, hasFam := m["family"]
		_, hasGiven := m["given"]
		_, hasText := m["text"]
		return hasFam || hasGiven || hasText
	case "Reference":
		_, has := m["reference"]
		return has
	}
	return false
}

func collectionTruthy(coll []interface{}) bool {
	if len(coll) == 0 {
		return false
	}
	if len(coll) == 1 {
		switch v := coll[0].(type) {
		case bool:
			return v
		case nil:
			return false
		default:
			return true
		}
	}
	return true
}

func isTypeName(name string) bool {
	return len(name) > 0 && unicode.IsUpper(rune(name[0]))
}
