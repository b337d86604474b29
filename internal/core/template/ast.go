package template

// Statement nodes.
type node interface{}

type textNode struct {
	text string
}

type outputNode struct {
	x    expr
	line int
}

type ifBranch struct {
	cond expr
	body []node
}

type ifNode struct {
	branches []ifBranch
	elseBody []node
}

type forNode struct {
	targets  []string
	iter     expr
	cond     expr
	body     []node
	elseBody []node
	line     int
}

type setNode struct {
	name  string
	value expr
}

// Expression nodes.
type expr interface {
	line() int
}

type pos struct{ ln int }

func (p pos) line() int { return p.ln }

type literalExpr struct {
	pos
	val interface{}
}

type nameExpr struct {
	pos
	name string
}

type attrExpr struct {
	pos
	obj  expr
	name string
}

type indexExpr struct {
	pos
	obj expr
	key expr
}

type callExpr struct {
	pos
	fn     expr
	args   []expr
	kwargs []kwarg
}

type kwarg struct {
	name  string
	value expr
}

type filterExpr struct {
	pos
	arg    expr
	name   string
	args   []expr
	kwargs []kwarg
}

type testExpr struct {
	pos
	arg    expr
	name   string
	args   []expr
	negate bool
}

type unaryExpr struct {
	pos
	op string
	x  expr
}

type binaryExpr struct {
	pos
	op   string
	l, r expr
}

type logicalExpr struct {
	pos
	and  bool
	l, r expr
}

type notExpr struct {
	pos
	x expr
}

type compareExpr struct {
	pos
	first expr
	ops   []string
	rest  []expr
}

type condExpr struct {
	pos
	cond       expr
	then, els_ expr
}

type listExpr struct {
	pos
	items []expr
}

type dictExpr struct {
	pos
	keys, values []expr
}
