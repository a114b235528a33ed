package render

import "go.uber.org/fx"

var Module = fx.Module("render",
	fx.Provide(NewPDFRenderer),
	fx.Provide(func(r *PDFRenderer) Renderer { return r }),
)
