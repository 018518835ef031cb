// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package azure

import (
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/juju/errors"

	"github.com/juju/mongorole/internal/roleenv"
)

// NewCredential returns the credential used to call the Azure APIs.
// A service principal is used when one is configured, otherwise the
// azidentity default chain applies.
func NewCredential(cfg roleenv.AzureConfig) (azcore.TokenCredential, error) {
	if cfg.ClientID != "" || cfg.ClientSecret != "" {
		if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, errors.NotValidf("service principal needs tenant-id, client-id and client-secret")
		}
		cred, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
		if err != nil {
			return nil, errors.Annotate(err, "creating service principal credential")
		}
		return cred, nil
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, errors.Annotate(err, "creating default credential")
	}
	return cred, nil
}
