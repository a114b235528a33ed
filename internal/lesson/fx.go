package lesson

import (
	"github.com/lessonbill/lessonbill/internal/lesson/service"
	"go.uber.org/fx"
)

var Module = fx.Module("lesson.selector",
	fx.Provide(service.NewService),
)
