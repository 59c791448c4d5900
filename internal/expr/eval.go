package expr

import "fmt"

type literal struct{ value any }

func (l *literal) eval(map[string]any) (any, error) { return l.value, nil }

// fieldRef resolves a dotted path against scope, descending through nested
// map[string]any values. An unresolved path evaluates to nil rather than
// erroring, so "outputs.step1.score > 0" is simply false when step1 has not
// run yet instead of aborting the whole expression.
type fieldRef struct{ path []string }

func (f *fieldRef) eval(scope map[string]any) (any, error) {
	var cur any = scope
	for _, seg := range f.path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, nil
		}
		cur = m[seg]
	}
	return cur, nil
}

type unaryOp struct {
	op      string
	operand node
}

func (u *unaryOp) eval(scope map[string]any) (any, error) {
	v, err := u.operand.eval(scope)
	if err != nil {
		return nil, err
	}
	switch u.op {
	case "!":
		return !truthy(v), nil
	case "-":
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("unary -: operand is not numeric")
		}
		return -f, nil
	default:
		return nil, fmt.Errorf("unknown unary operator %q", u.op)
	}
}

type binOp struct {
	op          string
	left, right node
}

func (b *binOp) eval(scope map[string]any) (any, error) {
	// Short-circuit && and || before evaluating the right side.
	if b.op == "&&" {
		l, err := b.left.eval(scope)
		if err != nil {
			return nil, err
		}
		if !truthy(l) {
			return false, nil
		}
		r, err := b.right.eval(scope)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}
	if b.op == "||" {
		l, err := b.left.eval(scope)
		if err != nil {
			return nil, err
		}
		if truthy(l) {
			return true, nil
		}
		r, err := b.right.eval(scope)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}

	l, err := b.left.eval(scope)
	if err != nil {
		return nil, err
	}
	r, err := b.right.eval(scope)
	if err != nil {
		return nil, err
	}

	switch b.op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	case ">", "<", ">=", "<=":
		return compare(b.op, l, r)
	case "+", "-", "*", "/", "%":
		return arithmetic(b.op, l, r)
	default:
		return nil, fmt.Errorf("unknown binary operator %q", b.op)
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case nil:
		return false
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}

func toFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func equal(l, r any) bool {
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if lok && rok {
		return lf == rf
	}
	return l == r
}

func compare(op string, l, r any) (bool, error) {
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if lok && rok {
		switch op {
		case ">":
			return lf > rf, nil
		case "<":
			return lf < rf, nil
		case ">=":
			return lf >= rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}
	ls, lsok := l.(string)
	rs, rsok := r.(string)
	if lsok && rsok {
		switch op {
		case ">":
			return ls > rs, nil
		case "<":
			return ls < rs, nil
		case ">=":
			return ls >= rs, nil
		case "<=":
			return ls <= rs, nil
		}
	}
	return false, fmt.Errorf("cannot compare %T and %T", l, r)
}

func arithmetic(op string, l, r any) (any, error) {
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if op == "+" {
		ls, lsok := l.(string)
		rs, rsok := r.(string)
		if lsok && rsok {
			return ls + rs, nil
		}
	}
	if !lok || !rok {
		return nil, fmt.Errorf("arithmetic requires numeric operands, got %T and %T", l, r)
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, fmt.Errorf("modulo by zero")
		}
		return float64(int64(lf) % int64(rf)), nil
	default:
		return nil, fmt.Errorf("unknown arithmetic operator %q", op)
	}
}
