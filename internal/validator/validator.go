// Package validator guards the dashboard's request DTOs.
//
// Manifest documents go through the manifest package's own validator; this
// package covers the smaller relay bodies (messages, goals, approval
// responses) that never pass through a manifest parse. Goal bounds are
// enforced here too, so a relayed update_goals can never carry goals the
// schema would have rejected at deploy time.
package validator

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/moltagent/moltagent/internal/manifest"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(validateGoal, manifest.Goal{})
	return v
}

// validateGoal mirrors the manifest schema's goal rules at the HTTP
// boundary: non-empty description, priority 1..5.
func validateGoal(sl validator.StructLevel) {
	goal := sl.Current().Interface().(manifest.Goal)
	if goal.Description == "" {
		sl.ReportError(goal.Description, "description", "Description", "required", "")
	}
	if goal.Priority < 1 || goal.Priority > 5 {
		sl.ReportError(goal.Priority, "priority", "Priority", "priority", "")
	}
}

// BindAndValidate decodes the JSON body into req and checks it. On any
// failure it writes the 400 response and returns false; handlers just
// return.
func BindAndValidate(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
		})
		return false
	}

	if fields := fieldErrors(req); fields != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "Validation failed",
			"fields": fields,
		})
		return false
	}
	return true
}

// fieldErrors runs the validator and flattens the result into a
// field -> message map, or nil when the request is clean.
func fieldErrors(req interface{}) map[string]string {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return map[string]string{"request": err.Error()}
	}

	fields := make(map[string]string, len(validationErrs))
	for _, e := range validationErrs {
		fields[strings.ToLower(e.Field())] = messageFor(e)
	}
	return fields
}

// messageFor renders one field error. Only the tags this API actually uses
// get a bespoke message.
func messageFor(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return e.Field() + " is required"
	case "priority":
		return "priority must be between 1 and 5"
	default:
		return "invalid value for " + e.Field()
	}
}
