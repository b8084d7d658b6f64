package activity

import (
	"github.com/smallbiznis/invoicebalance/internal/events"
	"go.uber.org/fx"
)

var Module = fx.Module("activity.handler",
	fx.Provide(NewHandler),
	fx.Invoke(register),
)

func register(worker *events.Worker, h *Handler) {
	for _, t := range EventTypes() {
		worker.Register(t, h.Handle)
	}
}
