// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package azure

import (
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/juju/errors"
)

// IsNotFoundError reports whether err is an Azure 404 response.
func IsNotFoundError(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

// IsConflictError reports whether err is an Azure 409 response.
func IsConflictError(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusConflict
}

// annotate turns Azure 404s into errors satisfying errors.NotFound.
func annotate(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if IsNotFoundError(err) {
		return errors.NewNotFound(err, fmt.Sprintf(format, args...))
	}
	return errors.Annotatef(err, format, args...)
}

func toValue[T any](v *T) T {
	if v == nil {
		var zero T
		return zero
	}
	return *v
}
