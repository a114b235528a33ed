package invoice

import (
	"github.com/lessonbill/lessonbill/internal/invoice/repository"
	"github.com/lessonbill/lessonbill/internal/invoice/service"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice",
	fx.Provide(
		repository.NewStore,
		service.NewService,
	),
)
