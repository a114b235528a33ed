package dispatcher

import (
	"github.com/lessonbill/lessonbill/internal/dispatcher/service"
	"go.uber.org/fx"
)

var Module = fx.Module("dispatcher",
	fx.Provide(service.NewService),
)
