package adjustment

import (
	"github.com/lessonbill/lessonbill/internal/adjustment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("adjustment.engine",
	fx.Provide(service.NewEngine),
)
