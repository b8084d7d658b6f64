package client

import (
	"github.com/smallbiznis/invoicebalance/internal/client/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("client.repository",
	fx.Provide(repository.Provide),
)
