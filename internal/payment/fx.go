package payment

import (
	"github.com/lessonbill/lessonbill/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.applier",
	fx.Provide(service.NewApplier),
)
