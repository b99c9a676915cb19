package httputil

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/lotledger/cogs-backend/pkg/errors"
)

var validate = validator.New()

// DecodeAndValidate decodes a JSON request body into dst and runs struct
// validation on it. Returns a 400-class AppError on failure.
func DecodeAndValidate(r *http.Request, dst interface{}) error {
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.BadRequest("invalid request body: " + err.Error())
	}

	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				details[strings.ToLower(fe.Field())] = "failed validation: " + fe.Tag()
			}
			return errors.Validation(details)
		}
		return errors.BadRequest("invalid request")
	}

	return nil
}
