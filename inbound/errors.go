package inbound

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-multibank/core"
)

type failure struct {
	category goerrors.Category
	status   int
	textCode string
}

var (
	badInput     = failure{goerrors.CategoryBadInput, http.StatusBadRequest, core.ServiceErrorBadInput}
	duplicate    = failure{goerrors.CategoryConflict, http.StatusConflict, core.ServiceErrorBadInput}
	unrouted     = failure{goerrors.CategoryNotFound, http.StatusNotFound, core.ServiceErrorBadInput}
	unverified   = failure{goerrors.CategoryAuth, http.StatusUnauthorized, core.ServiceErrorVerificationFailed}
	internal     = failure{goerrors.CategoryInternal, http.StatusInternalServerError, core.ServiceErrorInternal}
	claimFailed  = failure{goerrors.CategoryOperation, http.StatusInternalServerError, core.ServiceErrorInternal}
	handlerFault = failure{goerrors.CategoryOperation, http.StatusBadGateway, core.ServiceErrorInternal}
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

// permanent reports whether err will fail the same way on every replay.
func permanent(err error) bool {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		return false
	}
	switch rich.Category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation,
		goerrors.CategoryAuth, goerrors.CategoryAuthz,
		goerrors.CategoryNotFound, goerrors.CategoryConflict:
		return true
	}
	return false
}
