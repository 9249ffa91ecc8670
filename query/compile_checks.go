package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-multibank/core"
)

var (
	_ gocmd.Querier[AggregateMessage, core.AggregateResult]      = (*AggregateQuery)(nil)
	_ gocmd.Querier[GetActiveConsentMessage, *core.ConsentGrant] = (*GetActiveConsentQuery)(nil)
	_ gocmd.Querier[VerifyTokenMessage, core.Claims]             = (*VerifyTokenQuery)(nil)

	_ AccountsReader = (*core.Service)(nil)
	_ ConsentReader  = (*core.Service)(nil)
	_ TokenVerifier  = (*core.Service)(nil)
)
