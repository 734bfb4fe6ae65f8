package api

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"layerforge/internal/domain"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ValidateRequest validates a struct using the validator package
func ValidateRequest(logger *zap.Logger, w http.ResponseWriter, r *http.Request, req interface{}) bool {
	if err := validate.Struct(req); err != nil {
		validationErrors := err.(validator.ValidationErrors)
		logger.Warn("Validation failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)

		fields := make([]string, 0, len(validationErrors))
		for _, fe := range validationErrors {
			fields = append(fields, fe.Field())
		}
		respondJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "Validation failed",
			Code:    domain.ErrCodeInvalidInput,
			Details: fields,
		})
		return false
	}
	return true
}
