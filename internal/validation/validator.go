package validation

// Validator checks resolved node inputs against the node's declared
// JSON Schema (Draft 2020-12).
type Validator interface {
	ValidateInput(input map[string]any, inputSchema []byte) error
}
