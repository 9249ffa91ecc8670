package command

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-multibank/core"
)

var (
	_ gocmd.Commander[RequestConsentMessage]      = (*RequestConsentCommand)(nil)
	_ gocmd.Commander[UpdateConsentStatusMessage] = (*UpdateConsentStatusCommand)(nil)
	_ gocmd.Commander[ExpireStaleConsentsMessage] = (*ExpireStaleConsentsCommand)(nil)
	_ gocmd.Commander[RefreshTokensMessage]       = (*RefreshTokensCommand)(nil)

	_ MutatingService = (*core.Service)(nil)
)
