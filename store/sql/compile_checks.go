package sqlstore

import "github.com/goliatone/go-multibank/core"

var (
	_ core.Repository = (*Repository)(nil)
)
