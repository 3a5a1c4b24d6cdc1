package milvus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyExpr(t *testing.T) {
	assert.Equal(t,
		`owner == "kid@example.com" && document_id == "doc-1"`,
		keyExpr("kid@example.com", "doc-1"),
	)
}

func TestKeyExpr_EscapesQuotes(t *testing.T) {
	assert.Equal(t,
		`owner == "a\"b" && document_id == "c\\d"`,
		keyExpr(`a"b`, `c\d`),
	)
}
