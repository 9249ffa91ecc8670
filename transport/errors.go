package transport

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-multibank/core"
)

// failure pairs an error category with the HTTP status reported for it.
type failure struct {
	category goerrors.Category
	status   int
	textCode string
}

var (
	misconfigured = failure{goerrors.CategoryInternal, http.StatusInternalServerError, core.ServiceErrorInternal}
	badRequest    = failure{goerrors.CategoryBadInput, http.StatusBadRequest, core.ServiceErrorBadInput}
	upstream      = failure{goerrors.CategoryExternal, http.StatusBadGateway, core.ServiceErrorInstitutionFetchFailed}
)

func (f failure) new(message string, metadata map[string]any) error {
	return f.wrap(nil, message, metadata)
}

func (f failure) wrap(cause error, message string, metadata map[string]any) error {
	var err *goerrors.Error
	if cause != nil {
		err = goerrors.Wrap(cause, f.category, message)
	} else {
		err = goerrors.New(message, f.category)
	}
	err = err.WithCode(f.status).WithTextCode(f.textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}
