package codegen

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAcceptsTSX(t *testing.T) {
	src := []byte("export function A() {\n  return <div className=\"x\">{props.y}</div>;\n}\n")
	assert.NoError(t, Validate(src, "src/A.tsx"))
}

func TestValidateReportsLocation(t *testing.T) {
	src := []byte("export function A() {\n  return <div>;\n}\n")
	err := Validate(src, "src/A.tsx")
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "src/A.tsx", ve.FilePath)
	assert.Contains(t, ve.Error(), "src/A.tsx:")
}

func TestValidateUnknownExtensionPasses(t *testing.T) {
	assert.NoError(t, Validate([]byte("{{{ not code"), "README.md"))
}
