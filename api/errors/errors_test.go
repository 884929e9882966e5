package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMultiErrors(t *testing.T) {
	errs := NewMultiErrors()
	assert.False(t, errs.HasErrors())

	errs.Add("recipients[1].email", "must be a valid email", nil)
	errs.Add("recipients[0].email", "is required", nil)
	errs.Add("recipients[1].email", "is duplicated", nil)

	assert.True(t, errs.HasErrors())
	assert.Equal(t, "recipients[0].email: is required | recipients[1].email: must be a valid email | recipients[1].email: is duplicated", errs.Error())
	assert.Equal(t, []string{"must be a valid email", "is duplicated"}, errs.Fields()["recipients[1].email"])
}
