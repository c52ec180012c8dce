package expr

// Node is one element of the closed expression AST. The unexported method keeps
// the node set fixed to the types in this file.
type Node interface {
	node()
}

// Literal is a constant string, number, bool or null.
type Literal struct {
	Value any
}

// Ref names a value in the evaluation scope by path.
type Ref struct {
	Path string
}

// Compare applies a comparison operator. Right is nil for is_empty and is_not_empty.
type Compare struct {
	Op    string
	Left  Node
	Right Node
}

type And struct {
	Terms []Node
}

type Or struct {
	Terms []Node
}

type Not struct {
	X Node
}

func (Literal) node() {}
func (Ref) node()     {}
func (Compare) node() {}
func (And) node()     {}
func (Or) node()      {}
func (Not) node()     {}
