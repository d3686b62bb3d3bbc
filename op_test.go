package fsdebounce

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOp_Has(t *testing.T) {
	op := Create | Write
	assert.True(t, op.Has(Create))
	assert.True(t, op.Has(Write))
	assert.False(t, op.Has(Remove))
	assert.True(t, op.Has(Create|Write))
}

func TestOp_String(t *testing.T) {
	assert.Equal(t, "", Op(0).String())
	assert.Equal(t, "CREATE", Create.String())
	assert.Equal(t, "CREATE|WRITE", (Create | Write).String())
	assert.Equal(t, "CREATE|WRITE|REMOVE|RENAME|CHMOD|RESCAN", (Create | Write | Remove | Rename | Chmod | Rescan).String())
}
